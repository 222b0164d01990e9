package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Status is the enhancement workflow state of a single record.
type Status string

const (
	StatusPending       Status = "pending"
	StatusEnhancing     Status = "enhancing"
	StatusEnhanced      Status = "enhanced"
	StatusBatchEnhanced Status = "batch-enhanced"
	StatusApproved      Status = "approved"
	StatusError         Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEnhancing, StatusEnhanced, StatusBatchEnhanced, StatusApproved, StatusError:
		return true
	default:
		return false
	}
}

// IsEnhanced reports whether s carries an unapproved enhancement.
func (s Status) IsEnhanced() bool {
	return s == StatusEnhanced || s == StatusBatchEnhanced
}

// Action drives a status transition.
type Action string

const (
	ActionEnhanceStart        Action = "enhance_start"
	ActionEnhanceSuccess      Action = "enhance_success"
	ActionBatchEnhanceSuccess Action = "batch_enhance_success"
	ActionEnhanceFailure      Action = "enhance_failure"
	ActionApprove             Action = "approve"
	ActionApproveOriginal     Action = "approve_original"
	ActionRetry               Action = "retry"
)

// ErrInvalidTransition matches any *InvalidTransitionError via errors.Is.
var ErrInvalidTransition = eris.New("invalid status transition")

// InvalidTransitionError reports an action that is not legal from the
// current status. It indicates a logic error in the caller.
type InvalidTransitionError struct {
	From   Status
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s from %q", e.Action, e.From)
}

// Is makes errors.Is(err, ErrInvalidTransition) succeed.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions maps current status → action → next status.
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionEnhanceStart:    StatusEnhancing,
		ActionApproveOriginal: StatusApproved,
	},
	StatusEnhancing: {
		ActionEnhanceSuccess:      StatusEnhanced,
		ActionBatchEnhanceSuccess: StatusBatchEnhanced,
		ActionEnhanceFailure:      StatusError,
	},
	StatusEnhanced: {
		ActionEnhanceStart: StatusEnhancing,
		ActionApprove:      StatusApproved,
	},
	StatusBatchEnhanced: {
		ActionEnhanceStart: StatusEnhancing,
		ActionApprove:      StatusApproved,
	},
	// Approval is not a lock: re-enhancing an approved record is allowed.
	StatusApproved: {
		ActionEnhanceStart: StatusEnhancing,
	},
	StatusError: {
		ActionEnhanceStart:    StatusEnhancing,
		ActionRetry:           StatusEnhancing,
		ActionApproveOriginal: StatusApproved,
	},
}

// Transition returns the status reached by applying action to current.
func Transition(current Status, action Action) (Status, error) {
	if next, ok := transitions[current][action]; ok {
		return next, nil
	}
	return current, &InvalidTransitionError{From: current, Action: action}
}

// CanTransition reports whether action is legal from current.
func CanTransition(current Status, action Action) bool {
	_, ok := transitions[current][action]
	return ok
}
