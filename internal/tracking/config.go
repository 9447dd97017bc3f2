// Package tracking decides, for every file a workflow touches, whether it
// becomes a tracked artifact and what metadata to attach. Decisions come from
// a configured set of global patterns and ordered named rules; the evaluator
// is a pure function over an immutable, validated rule set.
package tracking

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultRuleOrder = 100

// Rule set validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrMissingPattern indicates a rule without a pattern.
	ErrMissingPattern = errors.New("rule pattern cannot be empty")

	// ErrInvalidPattern indicates a pattern that does not compile.
	ErrInvalidPattern = errors.New("invalid rule pattern")

	// ErrInvalidDirection indicates a direction outside input/output/both.
	ErrInvalidDirection = errors.New("direction must be one of: input, output, both")

	// ErrInvalidRuleType indicates a rule type outside include/exclude.
	ErrInvalidRuleType = errors.New("rule type must be one of: include, exclude")
)

type (
	// Direction selects which side of a task a rule or evaluation applies to.
	Direction string

	// RuleType decides whether a matching rule includes or excludes a path.
	RuleType string

	// StringList decodes a YAML scalar or sequence into a list of strings,
	// filtering out null and empty entries.
	StringList []string

	// Rule is a named, ordered matching rule. Zero values of the optional
	// fields take documented defaults: enabled true, type include,
	// direction both, order 100.
	Rule struct {
		Name        string     `yaml:"name"`
		Enabled     *bool      `yaml:"enabled"`
		Pattern     string     `yaml:"pattern"`
		Type        RuleType   `yaml:"type"`
		Direction   Direction  `yaml:"direction"`
		Order       *int       `yaml:"order"`
		Kind        string     `yaml:"kind"`
		ULabelUIDs  StringList `yaml:"ulabelUids"`
		ProjectUIDs StringList `yaml:"projectUids"`
	}

	// Settings are the per-direction or global tracking toggles, global
	// patterns, and base metadata.
	Settings struct {
		Enabled          *bool      `yaml:"enabled"`
		IncludeLocal     *bool      `yaml:"includeLocal"`
		ExcludeWorkDir   *bool      `yaml:"excludeWorkDir"`
		ExcludeAssetsDir *bool      `yaml:"excludeAssetsDir"`
		IncludePattern   string     `yaml:"includePattern"`
		ExcludePattern   string     `yaml:"excludePattern"`
		Kind             string     `yaml:"kind"`
		ULabelUIDs       StringList `yaml:"ulabelUids"`
		ProjectUIDs      StringList `yaml:"projectUids"`
	}

	// Config is the artifact-tracking configuration tree: global settings,
	// optional per-direction overrides, the ordered rule collection, and the
	// engine directory roots used for input exclusion.
	Config struct {
		Settings  `yaml:",inline"`
		Input     *Settings `yaml:"input"`
		Output    *Settings `yaml:"output"`
		Rules     []Rule    `yaml:"rules"`
		WorkDir   string    `yaml:"workDir"`
		AssetsDir string    `yaml:"assetsDir"`
	}
)

// Direction values. DirectionBoth applies a rule to inputs and outputs alike.
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionBoth   Direction = "both"
)

// Rule type values.
const (
	RuleInclude RuleType = "include"
	RuleExclude RuleType = "exclude"
)

// IsValid checks whether the direction is one of the three allowed values.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionInput, DirectionOutput, DirectionBoth:
		return true
	default:
		return false
	}
}

// Applies reports whether a rule with this direction applies to an
// evaluation in dir. DirectionBoth always applies.
func (d Direction) Applies(dir Direction) bool {
	return d == DirectionBoth || d == dir
}

// IsValid checks whether the rule type is include or exclude.
func (rt RuleType) IsValid() bool {
	return rt == RuleInclude || rt == RuleExclude
}

// UnmarshalYAML accepts either a single scalar or a sequence for list-valued
// metadata fields. Null and empty entries are filtered out.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}

		*l = filterEmpty([]string{single})

		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}

		*l = filterEmpty(many)

		return nil
	default:
		return fmt.Errorf("expected scalar or sequence at line %d", value.Line)
	}
}

func filterEmpty(values []string) []string {
	result := make([]string, 0, len(values))

	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// enabled returns the rule's enabled flag, defaulting to true.
func (r *Rule) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ruleType returns the rule's type, defaulting to include.
func (r *Rule) ruleType() RuleType {
	if r.Type == "" {
		return RuleInclude
	}

	return r.Type
}

// direction returns the rule's direction, defaulting to both.
func (r *Rule) direction() Direction {
	if r.Direction == "" {
		return DirectionBoth
	}

	return r.Direction
}

// order returns the rule's evaluation priority, defaulting to 100. Lower
// values evaluate first.
func (r *Rule) order() int {
	if r.Order == nil {
		return defaultRuleOrder
	}

	return *r.Order
}

// validate rejects structurally invalid rules at configuration time, before
// the first evaluation.
func (r *Rule) validate(index int) error {
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("rule %d", index)
	}

	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("%s: %w", name, ErrMissingPattern)
	}

	if r.Type != "" && !r.Type.IsValid() {
		return fmt.Errorf("%s: %w: got %q", name, ErrInvalidRuleType, r.Type)
	}

	if r.Direction != "" && !r.Direction.IsValid() {
		return fmt.Errorf("%s: %w: got %q", name, ErrInvalidDirection, r.Direction)
	}

	return nil
}

// boolOr returns the flag value or the default when unset.
func boolOr(flag *bool, defaultValue bool) bool {
	if flag == nil {
		return defaultValue
	}

	return *flag
}

// LoadConfig reads a tracking configuration tree from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tracking config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing tracking config %s: %w", path, err)
	}

	return &cfg, nil
}
