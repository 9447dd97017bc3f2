package tracking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type (
	// Decision is the outcome of evaluating one path: whether it is tracked
	// and the merged metadata to attach when it is.
	Decision struct {
		Track       bool
		Kind        string
		ULabelUIDs  []string
		ProjectUIDs []string
	}

	// compiledRule is a validated rule with its pattern pre-compiled.
	compiledRule struct {
		name        string
		regex       *regexp.Regexp
		ruleType    RuleType
		direction   Direction
		order       int
		kind        string
		ulabelUIDs  []string
		projectUIDs []string
	}

	// directionSettings are the fully-resolved settings for one direction:
	// per-direction overrides layered over the global section, with defaults
	// filled in.
	directionSettings struct {
		enabled          bool
		includeLocal     bool
		excludeWorkDir   bool
		excludeAssetsDir bool
		includeRegex     *regexp.Regexp
		excludeRegex     *regexp.Regexp
		kind             string
		ulabelUIDs       []string
		projectUIDs      []string
	}

	// Engine evaluates paths against an immutable rule set. Construction
	// validates every pattern and direction; evaluation is a pure function
	// of configuration and path, safe for concurrent use.
	Engine struct {
		input     directionSettings
		output    directionSettings
		rules     []compiledRule
		workDir   string
		assetsDir string
	}
)

// NewEngine compiles and validates a tracking configuration. Invalid
// patterns, directions, and rule types are rejected here, not at first
// evaluation. A nil config yields an engine that tracks everything.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	input, err := resolveSettings(cfg.Input, &cfg.Settings, "input")
	if err != nil {
		return nil, err
	}

	output, err := resolveSettings(cfg.Output, &cfg.Settings, "output")
	if err != nil {
		return nil, err
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]

		if err := rule.validate(i); err != nil {
			return nil, err
		}

		regex, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, rule.Pattern, err)
		}

		// Disabled rules are validated but never evaluated.
		if !rule.enabled() {
			continue
		}

		rules = append(rules, compiledRule{
			name:        rule.Name,
			regex:       regex,
			ruleType:    rule.ruleType(),
			direction:   rule.direction(),
			order:       rule.order(),
			kind:        rule.Kind,
			ulabelUIDs:  rule.ULabelUIDs,
			projectUIDs: rule.ProjectUIDs,
		})
	}

	// Ascending order; stable sort keeps declaration order for ties.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].order < rules[j].order
	})

	return &Engine{
		input:     input,
		output:    output,
		rules:     rules,
		workDir:   cfg.WorkDir,
		assetsDir: cfg.AssetsDir,
	}, nil
}

// resolveSettings layers per-direction settings over the global section.
// Unset toggles default to enabled tracking of everything local and remote,
// with work-dir and assets-dir inputs excluded.
func resolveSettings(specific, global *Settings, scope string) (directionSettings, error) {
	pick := func(s, g *bool, def bool) bool {
		if specific != nil && s != nil {
			return *s
		}

		return boolOr(g, def)
	}

	pickStr := func(s, g string) string {
		if specific != nil && s != "" {
			return s
		}

		return g
	}

	var specificEnabled, specificLocal, specificWork, specificAssets *bool

	var specificInclude, specificExclude, specificKind string

	var specificULabels, specificProjects []string

	if specific != nil {
		specificEnabled = specific.Enabled
		specificLocal = specific.IncludeLocal
		specificWork = specific.ExcludeWorkDir
		specificAssets = specific.ExcludeAssetsDir
		specificInclude = specific.IncludePattern
		specificExclude = specific.ExcludePattern
		specificKind = specific.Kind
		specificULabels = specific.ULabelUIDs
		specificProjects = specific.ProjectUIDs
	}

	resolved := directionSettings{
		enabled:          pick(specificEnabled, global.Enabled, true),
		includeLocal:     pick(specificLocal, global.IncludeLocal, true),
		excludeWorkDir:   pick(specificWork, global.ExcludeWorkDir, true),
		excludeAssetsDir: pick(specificAssets, global.ExcludeAssetsDir, true),
		kind:             pickStr(specificKind, global.Kind),
		ulabelUIDs:       unionUIDs(global.ULabelUIDs, specificULabels),
		projectUIDs:      unionUIDs(global.ProjectUIDs, specificProjects),
	}

	includePattern := pickStr(specificInclude, global.IncludePattern)
	if includePattern != "" {
		regex, err := regexp.Compile(includePattern)
		if err != nil {
			return directionSettings{}, fmt.Errorf("%w: %s includePattern %q: %v", ErrInvalidPattern, scope, includePattern, err)
		}

		resolved.includeRegex = regex
	}

	excludePattern := pickStr(specificExclude, global.ExcludePattern)
	if excludePattern != "" {
		regex, err := regexp.Compile(excludePattern)
		if err != nil {
			return directionSettings{}, fmt.Errorf("%w: %s excludePattern %q: %v", ErrInvalidPattern, scope, excludePattern, err)
		}

		resolved.excludeRegex = regex
	}

	return resolved, nil
}

// unionUIDs merges UID lists into a deduplicated union, preserving first
// contribution order.
func unionUIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})

	var result []string

	for _, list := range lists {
		for _, uid := range list {
			if _, ok := seen[uid]; ok {
				continue
			}

			seen[uid] = struct{}{}
			result = append(result, uid)
		}
	}

	return result
}

// isLocal reports whether a path has no URI scheme.
func isLocal(path string) bool {
	return !strings.Contains(path, "://")
}

// isUnder reports whether path falls under the directory root.
func isUnder(path, root string) bool {
	if root == "" {
		return false
	}

	trimmed := strings.TrimRight(root, "/")

	return path == trimmed || strings.HasPrefix(path, trimmed+"/")
}

// settings returns the resolved settings for an evaluation direction.
func (e *Engine) settings(dir Direction) directionSettings {
	if dir == DirectionInput {
		return e.input
	}

	return e.output
}

// Evaluate decides whether path is tracked in the given direction and what
// metadata to attach. dir must be DirectionInput or DirectionOutput.
//
// Short-circuits run before any rule: disabled tracking, local paths when
// includeLocal is off, and (for inputs) paths under the work or assets
// directories when those exclusions are enabled. The global include and
// exclude patterns are evaluated next and can veto tracking; the ordered
// rules run last, and every match contributes. The match evaluated last
// (highest order; declaration order breaks ties) decides include versus
// exclude. ULabel and project UIDs accumulate as a deduplicated union across
// the base settings and every contributing rule; kind is last-write-wins.
// With no matching rule and no global pattern configured, the path is
// tracked by default.
func (e *Engine) Evaluate(path string, dir Direction) Decision {
	s := e.settings(dir)

	if !s.enabled {
		return Decision{}
	}

	if isLocal(path) && !s.includeLocal {
		return Decision{}
	}

	if dir == DirectionInput {
		if s.excludeWorkDir && isUnder(path, e.workDir) {
			return Decision{}
		}

		if s.excludeAssetsDir && isUnder(path, e.assetsDir) {
			return Decision{}
		}
	}

	tracked := true

	if s.includeRegex != nil && !s.includeRegex.MatchString(path) {
		tracked = false
	}

	if s.excludeRegex != nil && s.excludeRegex.MatchString(path) {
		tracked = false
	}

	kind := s.kind
	ulabelLists := [][]string{s.ulabelUIDs}
	projectLists := [][]string{s.projectUIDs}

	for i := range e.rules {
		rule := &e.rules[i]

		if !rule.direction.Applies(dir) {
			continue
		}

		if !rule.regex.MatchString(path) {
			continue
		}

		tracked = rule.ruleType == RuleInclude

		if rule.kind != "" {
			kind = rule.kind
		}

		ulabelLists = append(ulabelLists, rule.ulabelUIDs)
		projectLists = append(projectLists, rule.projectUIDs)
	}

	return Decision{
		Track:       tracked,
		Kind:        kind,
		ULabelUIDs:  unionUIDs(ulabelLists...),
		ProjectUIDs: unionUIDs(projectLists...),
	}
}
