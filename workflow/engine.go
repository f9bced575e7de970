package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Engine executes approval processes. It owns the instance lifecycle and the
// ledger; definitions, forms, documents and the user directory are external
// collaborators. The engine keeps no in-process state, so any number of
// stateless processes may share one store: per-instance ordering is enforced
// by the store's revision check, not by locks.
type Engine struct {
	definitions DefinitionStore
	instances   InstanceStore
	forms       FormCatalog
	directory   Directory
	documents   Documents
}

// NewEngine wires an engine over its collaborators. documents may be nil
// when no document service participates (tests, batch imports).
func NewEngine(definitions DefinitionStore, instances InstanceStore, forms FormCatalog, directory Directory, documents Documents) *Engine {
	return &Engine{
		definitions: definitions,
		instances:   instances,
		forms:       forms,
		directory:   directory,
		documents:   documents,
	}
}

// ApprovalRequest carries one action against an instance. NodeID must equal
// the instance's current node; a stale value fails with ErrNodeMismatch so
// the caller re-fetches instead of acting on an outdated view.
type ApprovalRequest struct {
	InstanceID       string
	NodeID           string
	Action           Action
	ActorID          string
	Comment          string
	DelegateToUserID string
}

// StartWorkflow creates a running instance of a definition against a
// document. The definition graph and every bound form are deep-copied into
// the instance, and the start node is advanced past immediately: start nodes
// are not action-gated, so the returned instance already sits on the first
// real node (or is terminal, for a start→end graph).
func (e *Engine) StartWorkflow(ctx context.Context, companyID, definitionID, documentID string, variables map[string]any, startedBy string) (*Instance, error) {
	def, err := e.definitions.GetDefinition(ctx, companyID, definitionID)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", definitionID, err)
	}
	if def == nil || def.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionInactive, definitionID)
	}

	snapshot := def.Clone()
	start := snapshot.Graph.StartNode()
	if start == nil {
		return nil, fmt.Errorf("definition %s has no start node in stored graph", definitionID)
	}

	formSnapshots := make(map[string]*FormDefinition)
	for _, node := range snapshot.Graph.Nodes {
		binding := node.Config.Form
		if binding == nil || binding.FormDefinitionID == "" {
			continue
		}
		form, err := e.forms.GetForm(ctx, companyID, binding.FormDefinitionID)
		if err != nil {
			return nil, fmt.Errorf("snapshot form %s for node %s: %w", binding.FormDefinitionID, node.ID, err)
		}
		if form == nil {
			return nil, fmt.Errorf("form %s bound to node %s does not exist", binding.FormDefinitionID, node.ID)
		}
		formSnapshots[node.ID] = form.Clone()
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:                 uuid.New().String(),
		DefinitionID:       definitionID,
		DocumentID:         documentID,
		CompanyID:          companyID,
		CurrentNodeID:      start.ID,
		Status:             StatusRunning,
		Variables:          CloneVariables(variables),
		DefinitionSnapshot: snapshot,
		FormSnapshots:      formSnapshots,
		Revision:           1,
		StartedBy:          startedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	t, err := ComputeNextNode(&snapshot.Graph, start.ID, ActionApprove, inst.Variables)
	if err != nil {
		return nil, opErr(inst.ID, start.ID, ActionApprove, err)
	}
	if err := e.applyTransition(ctx, inst, t, now); err != nil {
		return nil, err
	}

	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}

	if e.documents != nil && documentID != "" {
		if err := e.documents.AttachWorkflow(ctx, companyID, documentID, inst.ID); err != nil {
			log.Printf("Warning: could not attach instance %s to document %s: %v", inst.ID, documentID, err)
		}
	}

	log.Printf("Workflow started: instance=%s definition=%s document=%s node=%s", inst.ID, definitionID, documentID, inst.CurrentNodeID)
	return inst, nil
}

// ProcessApproval applies an Approve, Reject or Delegate action to the
// instance's current node, appends the ledger entry and advances the graph
// where the action calls for it. The ledger append and the state change
// commit together or not at all; a concurrent writer makes the revision
// check fail with ErrConcurrentModification and nothing is recorded.
func (e *Engine) ProcessApproval(ctx context.Context, companyID string, req ApprovalRequest) (*Instance, error) {
	inst, err := e.fetchRunning(ctx, companyID, req.InstanceID, req.Action)
	if err != nil {
		return nil, err
	}
	if req.NodeID != inst.CurrentNodeID {
		return nil, opErr(inst.ID, req.NodeID, req.Action,
			fmt.Errorf("%w: current node is %q", ErrNodeMismatch, inst.CurrentNodeID))
	}

	node := inst.DefinitionSnapshot.Graph.Node(inst.CurrentNodeID)
	if node == nil {
		return nil, opErr(inst.ID, inst.CurrentNodeID, req.Action,
			fmt.Errorf("current node missing from graph snapshot"))
	}
	if node.Type != NodeApproval && node.Type != NodeGateway {
		return nil, opErr(inst.ID, node.ID, req.Action,
			fmt.Errorf("node type %q is not actionable", node.Type))
	}

	// Only a holder of one of the node's current seats may act. The seat set
	// is rewritten by delegation, so checking the rules instead would let a
	// delegator keep acting after handing their seat away.
	switch req.Action {
	case ActionApprove, ActionReject, ActionDelegate:
		if !holdsSeat(inst.CurrentApproverIDs, req.ActorID) {
			return nil, opErr(inst.ID, node.ID, req.Action,
				fmt.Errorf("%w: %s", ErrActorNotEligible, req.ActorID))
		}
	}

	switch req.Action {
	case ActionApprove:
		// No extra preconditions.
	case ActionReject:
		if req.Comment == "" {
			return nil, opErr(inst.ID, node.ID, req.Action, ErrCommentRequired)
		}
	case ActionDelegate:
		if req.DelegateToUserID == "" {
			return nil, opErr(inst.ID, node.ID, req.Action,
				fmt.Errorf("%w: no target given", ErrUnknownDelegate))
		}
		ok, err := e.directory.UserExists(ctx, companyID, req.DelegateToUserID)
		if err != nil {
			return nil, opErr(inst.ID, node.ID, req.Action, fmt.Errorf("resolve delegate: %w", err))
		}
		if !ok {
			return nil, opErr(inst.ID, node.ID, req.Action,
				fmt.Errorf("%w: %s", ErrUnknownDelegate, req.DelegateToUserID))
		}
	case ActionReturn:
		return nil, opErr(inst.ID, node.ID, req.Action,
			fmt.Errorf("return needs a target node, use ReturnToNode"))
	case ActionCancel:
		return nil, opErr(inst.ID, node.ID, req.Action,
			fmt.Errorf("cancellation is administrative, use CancelWorkflow"))
	default:
		return nil, opErr(inst.ID, node.ID, req.Action, fmt.Errorf("unknown approval action"))
	}

	records, err := e.instances.ListApprovalRecords(ctx, companyID, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load approval records for %s: %w", inst.ID, err)
	}
	occupancy := nodeOccupancy(records, node.ID)
	for _, r := range occupancy {
		if r.NodeID == node.ID && r.ActorID == req.ActorID && r.Action == req.Action {
			return nil, opErr(inst.ID, node.ID, req.Action,
				fmt.Errorf("actor %s already performed this action on the node", req.ActorID))
		}
	}

	now := time.Now().UTC()
	record := &ApprovalRecord{
		ID:               uuid.New().String(),
		InstanceID:       inst.ID,
		NodeID:           node.ID,
		Action:           req.Action,
		ActorID:          req.ActorID,
		Comment:          req.Comment,
		DelegateToUserID: req.DelegateToUserID,
		CompanyID:        companyID,
		RecordedAt:       now,
	}

	expected := inst.Revision
	switch req.Action {
	case ActionDelegate:
		// Delegation reassigns who may act on the node; it is not a graph
		// transition.
		inst.CurrentApproverIDs = replaceApprover(inst.CurrentApproverIDs, req.ActorID, req.DelegateToUserID)
	case ActionApprove:
		pending := pendingApprovers(inst, node, occupancy, req.ActorID)
		if len(pending) > 0 {
			log.Printf("Instance %s node %s waiting for %d more approval(s)", inst.ID, node.ID, len(pending))
			break
		}
		t, err := ComputeNextNode(&inst.DefinitionSnapshot.Graph, node.ID, req.Action, inst.Variables)
		if err != nil {
			return nil, opErr(inst.ID, node.ID, req.Action, err)
		}
		if err := e.applyTransition(ctx, inst, t, now); err != nil {
			return nil, err
		}
	case ActionReject:
		t, err := ComputeNextNode(&inst.DefinitionSnapshot.Graph, node.ID, req.Action, inst.Variables)
		if err != nil {
			return nil, opErr(inst.ID, node.ID, req.Action, err)
		}
		if err := e.applyTransition(ctx, inst, t, now); err != nil {
			return nil, err
		}
	}
	inst.UpdatedAt = now

	if err := e.instances.UpdateInstance(ctx, inst, expected, record); err != nil {
		return nil, opErr(inst.ID, node.ID, req.Action, err)
	}

	log.Printf("Approval processed: instance=%s node=%s action=%s actor=%s status=%s current=%s",
		inst.ID, node.ID, req.Action, req.ActorID, inst.Status, inst.CurrentNodeID)
	return inst, nil
}

// ReturnToNode jumps the instance back to an earlier node. This is an
// explicit move requested by an approver, not a graph-driven transition: no
// edges or conditions are evaluated, the target only has to exist in the
// instance's graph snapshot and be actionable. End nodes are not a return
// target, and neither is the start node: nothing ever acts on a start node
// again, so a return there would strand the instance.
func (e *Engine) ReturnToNode(ctx context.Context, companyID, instanceID, targetNodeID, actorID, comment string) (*Instance, error) {
	inst, err := e.fetchRunning(ctx, companyID, instanceID, ActionReturn)
	if err != nil {
		return nil, err
	}
	if comment == "" {
		return nil, opErr(inst.ID, targetNodeID, ActionReturn, ErrCommentRequired)
	}
	target := inst.DefinitionSnapshot.Graph.Node(targetNodeID)
	if target == nil || target.Type == NodeEnd || target.Type == NodeStart {
		return nil, opErr(inst.ID, targetNodeID, ActionReturn,
			fmt.Errorf("%w: %s", ErrInvalidTargetNode, targetNodeID))
	}

	now := time.Now().UTC()
	record := &ApprovalRecord{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		NodeID:     inst.CurrentNodeID,
		Action:     ActionReturn,
		ActorID:    actorID,
		Comment:    comment,
		CompanyID:  companyID,
		RecordedAt: now,
	}

	expected := inst.Revision
	fromNodeID := inst.CurrentNodeID
	inst.CurrentNodeID = target.ID
	if err := e.enterNode(ctx, inst); err != nil {
		return nil, opErr(inst.ID, target.ID, ActionReturn, err)
	}
	inst.UpdatedAt = now

	if err := e.instances.UpdateInstance(ctx, inst, expected, record); err != nil {
		return nil, opErr(inst.ID, target.ID, ActionReturn, err)
	}

	log.Printf("Instance %s returned from node %s to node %s by %s", inst.ID, fromNodeID, target.ID, actorID)
	return inst, nil
}

// CancelWorkflow moves a running instance straight to Cancelled, bypassing
// the transition evaluator. Terminal instances stay terminal.
func (e *Engine) CancelWorkflow(ctx context.Context, companyID, instanceID, actorID, reason string) (*Instance, error) {
	inst, err := e.fetchRunning(ctx, companyID, instanceID, ActionCancel)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &ApprovalRecord{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		NodeID:     inst.CurrentNodeID,
		Action:     ActionCancel,
		ActorID:    actorID,
		Comment:    reason,
		CompanyID:  companyID,
		RecordedAt: now,
	}

	expected := inst.Revision
	inst.Status = StatusCancelled
	inst.CurrentApproverIDs = nil
	inst.CompletedAt = &now
	inst.UpdatedAt = now

	if err := e.instances.UpdateInstance(ctx, inst, expected, record); err != nil {
		return nil, opErr(inst.ID, inst.CurrentNodeID, ActionCancel, err)
	}

	log.Printf("Instance %s cancelled by %s: %s", inst.ID, actorID, reason)
	return inst, nil
}

// GetInstance returns the instance, or nil when it does not exist. Reads are
// lenient where writes are strict.
func (e *Engine) GetInstance(ctx context.Context, companyID, instanceID string) (*Instance, error) {
	return e.instances.GetInstance(ctx, companyID, instanceID)
}

// GetApprovalHistory returns the instance's ledger in recording order, empty
// for an unknown instance or one belonging to another tenant.
func (e *Engine) GetApprovalHistory(ctx context.Context, companyID, instanceID string) ([]*ApprovalRecord, error) {
	return e.instances.ListApprovalRecords(ctx, companyID, instanceID)
}

// GetNodeApprovers resolves the acting users for one node of an instance
// against the directory. Unknown instances or nodes yield an empty list.
func (e *Engine) GetNodeApprovers(ctx context.Context, companyID, instanceID, nodeID string) ([]string, error) {
	inst, err := e.instances.GetInstance(ctx, companyID, instanceID)
	if err != nil || inst == nil {
		return nil, err
	}
	node := inst.DefinitionSnapshot.Graph.Node(nodeID)
	if node == nil || node.Config.Approval == nil {
		return nil, nil
	}
	return resolveApprovers(ctx, e.directory, companyID, inst, node.Config.Approval.Approvers)
}

func (e *Engine) fetchRunning(ctx context.Context, companyID, instanceID string, action Action) (*Instance, error) {
	inst, err := e.instances.GetInstance(ctx, companyID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if inst == nil {
		return nil, opErr(instanceID, "", action, ErrInstanceNotFound)
	}
	if inst.Status != StatusRunning {
		return nil, opErr(inst.ID, inst.CurrentNodeID, action,
			fmt.Errorf("%w: status is %s", ErrInstanceNotRunning, inst.Status))
	}
	return inst, nil
}

// applyTransition moves the instance to the transition's node, marking it
// terminal when an end node was reached and resolving the new node's
// approvers otherwise.
func (e *Engine) applyTransition(ctx context.Context, inst *Instance, t Transition, now time.Time) error {
	inst.CurrentNodeID = t.NodeID
	if t.Terminal {
		inst.Status = t.Status
		inst.CurrentApproverIDs = nil
		inst.CompletedAt = &now
		return nil
	}
	if err := e.enterNode(ctx, inst); err != nil {
		return opErr(inst.ID, t.NodeID, "", err)
	}
	return nil
}

// enterNode resolves the approver set for the node the instance now sits on.
func (e *Engine) enterNode(ctx context.Context, inst *Instance) error {
	node := inst.DefinitionSnapshot.Graph.Node(inst.CurrentNodeID)
	if node == nil {
		return fmt.Errorf("node %q missing from graph snapshot", inst.CurrentNodeID)
	}
	if node.Config.Approval == nil {
		inst.CurrentApproverIDs = nil
		return nil
	}
	approvers, err := resolveApprovers(ctx, e.directory, inst.CompanyID, inst, node.Config.Approval.Approvers)
	if err != nil {
		return err
	}
	inst.CurrentApproverIDs = approvers
	return nil
}

// pendingApprovers returns the approvers who still have to approve the node
// before it may advance. Only ModeAll nodes ever have a non-empty result:
// every holder of a current seat must have an Approve record in the current
// node occupancy, counting the acting user. The seat set, not the rules, is
// the authority here — a delegate's approval counts, the delegator's seat is
// gone.
func pendingApprovers(inst *Instance, node *Node, occupancy []*ApprovalRecord, actorID string) []string {
	config := node.Config.Approval
	if config == nil || config.Mode != ModeAll {
		return nil
	}
	approved := map[string]bool{actorID: true}
	for _, r := range occupancy {
		if r.NodeID == node.ID && r.Action == ActionApprove {
			approved[r.ActorID] = true
		}
	}
	var pending []string
	for _, id := range inst.CurrentApproverIDs {
		if !approved[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// nodeOccupancy trims the ledger to the records written since the instance
// last entered the node: the trailing run of non-Return entries on that node.
// Any transition into the node cuts it off, because the triggering record
// (an approval or rejection elsewhere, or a Return) carries a different node
// id or the Return action. Actions from an earlier visit therefore neither
// trip the duplicate guard nor count toward ModeAll.
func nodeOccupancy(records []*ApprovalRecord, nodeID string) []*ApprovalRecord {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Action == ActionReturn || records[i].NodeID != nodeID {
			return records[i+1:]
		}
	}
	return records
}

// holdsSeat reports whether the actor currently occupies one of the node's
// approver seats.
func holdsSeat(approvers []string, actorID string) bool {
	for _, id := range approvers {
		if id == actorID {
			return true
		}
	}
	return false
}

func replaceApprover(approvers []string, from, to string) []string {
	out := make([]string, 0, len(approvers)+1)
	replaced := false
	for _, id := range approvers {
		if id == from {
			replaced = true
			id = to
		}
		if id != "" {
			out = append(out, id)
		}
	}
	if !replaced {
		out = append(out, to)
	}
	return out
}
