package provenance

import (
	"errors"
	"fmt"
)

type (
	// Status is a run lifecycle state. The driven lifecycle is
	// SCHEDULED → STARTED → {COMPLETED | ERRORED}; RESTARTED and ABORTED
	// are modeled for the remote schema but no transition drives them yet.
	Status string
)

// Run statuses and their remote status codes.
const (
	StatusScheduled Status = "SCHEDULED"
	StatusRestarted Status = "RESTARTED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusErrored   Status = "ERRORED"
	StatusAborted   Status = "ABORTED"
)

// Run transition errors (static sentinel errors for errors.Is() checks).
var (
	// ErrInvalidTransition indicates a transition the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrTerminalStatus indicates an attempt to leave a terminal status.
	ErrTerminalStatus = errors.New("terminal run status is immutable")

	// ErrUnknownStatus indicates a status outside the modeled lifecycle.
	ErrUnknownStatus = errors.New("unknown run status")
)

// statusCodes maps statuses to the remote store's _status_code convention.
var statusCodes = map[Status]int{
	StatusScheduled: -3,
	StatusRestarted: -2,
	StatusStarted:   -1,
	StatusCompleted: 0,
	StatusErrored:   1,
	StatusAborted:   2,
}

// Code returns the remote _status_code for the status.
func (s Status) Code() (int, error) {
	code, ok := statusCodes[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}

	return code, nil
}

// IsTerminal reports whether the status ends the run lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusAborted
}

// timestampField names the run timestamp a transition into s must set.
// Only STARTED and the terminal statuses stamp a timestamp.
func (s Status) timestampField() string {
	switch s {
	case StatusStarted:
		return "started_at"
	case StatusCompleted, StatusErrored, StatusAborted:
		return "finished_at"
	default:
		return ""
	}
}

// ValidateTransition checks a run status transition.
//
// Allowed:
//   - SCHEDULED → STARTED
//   - SCHEDULED → {COMPLETED, ERRORED, ABORTED} (a run can fail before start)
//   - STARTED → {COMPLETED, ERRORED, ABORTED}
//   - terminal → same terminal (idempotent)
//
// Everything else, including leaving a terminal status, is rejected.
func ValidateTransition(from, to Status) error {
	if _, err := to.Code(); err != nil {
		return err
	}

	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStatus, from, to)
		}

		return nil
	}

	switch from {
	case StatusScheduled, StatusRestarted:
		if to == StatusStarted || to.IsTerminal() {
			return nil
		}
	case StatusStarted:
		if to.IsTerminal() {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// statusFromCode maps a remote _status_code back to a Status.
func statusFromCode(code int) Status {
	for status, c := range statusCodes {
		if c == code {
			return status
		}
	}

	return StatusScheduled
}
