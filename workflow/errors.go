package workflow

import (
	"errors"
	"fmt"
)

// Error taxonomy. Definition-time errors (ErrInvalidGraph) are rejected
// before any instance can reference the bad graph; instance-mutation errors
// surface directly to the caller. ErrConcurrentModification is the one error
// designed to be retried, by re-fetching the instance and reapplying the
// action.
var (
	ErrInvalidGraph           = errors.New("invalid workflow graph")
	ErrDefinitionNotFound     = errors.New("workflow definition not found")
	ErrDefinitionInactive     = errors.New("workflow definition is not active")
	ErrInstanceNotFound       = errors.New("workflow instance not found")
	ErrInstanceNotRunning     = errors.New("workflow instance is not running")
	ErrNodeMismatch           = errors.New("node does not match the instance's current node")
	ErrCommentRequired        = errors.New("comment is required")
	ErrInvalidTargetNode      = errors.New("target node is not part of the instance's graph")
	ErrNoEligibleTransition   = errors.New("no eligible transition from node")
	ErrConcurrentModification = errors.New("instance was modified concurrently")
	ErrUnknownDelegate        = errors.New("delegate target is not a known user")
	ErrActorNotEligible       = errors.New("actor is not an eligible approver for the node")
)

// OpError decorates an engine failure with the instance id, node id and
// action it applies to, so callers can render an actionable message.
type OpError struct {
	InstanceID string
	NodeID     string
	Action     Action
	Err        error
}

func (e *OpError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("instance %s node %s action %s: %v", e.InstanceID, e.NodeID, e.Action, e.Err)
	}
	return fmt.Sprintf("instance %s node %s: %v", e.InstanceID, e.NodeID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(instanceID, nodeID string, action Action, err error) error {
	return &OpError{InstanceID: instanceID, NodeID: nodeID, Action: action, Err: err}
}
