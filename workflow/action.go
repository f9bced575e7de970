package workflow

import "fmt"

// Action is an approval action applied to an instance. The set is closed;
// everything that switches on an Action must handle every member and fail on
// anything else.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionDelegate Action = "delegate"
	ActionReturn   Action = "return"
	ActionCancel   Action = "cancel"
)

// ParseAction maps a wire string onto an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionApprove, ActionReject, ActionDelegate, ActionReturn, ActionCancel:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown approval action %q", s)
	}
}

// Status is the lifecycle state of an instance. Running is the only
// non-terminal state; the three terminal states are absorbing.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}
