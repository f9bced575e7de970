package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCompany = "acme"

// memStore is an in-memory DefinitionStore, InstanceStore and FormCatalog.
// It hands out JSON round-trip clones the way the sqlite store does, so
// aliasing bugs in the engine show up here too.
type memStore struct {
	definitions map[string]*Definition
	instances   map[string]*Instance
	records     map[string][]*ApprovalRecord
	forms       map[string]*FormDefinition
}

func newMemStore() *memStore {
	return &memStore{
		definitions: make(map[string]*Definition),
		instances:   make(map[string]*Instance),
		records:     make(map[string][]*ApprovalRecord),
		forms:       make(map[string]*FormDefinition),
	}
}

func jsonClone[T any](in *T) *T {
	b, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
	return out
}

func (m *memStore) key(companyID, id string) string { return companyID + "/" + id }

func (m *memStore) CreateDefinition(_ context.Context, def *Definition) error {
	m.definitions[m.key(def.CompanyID, def.ID)] = jsonClone(def)
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, companyID, id string) (*Definition, error) {
	def, ok := m.definitions[m.key(companyID, id)]
	if !ok {
		return nil, nil
	}
	return jsonClone(def), nil
}

func (m *memStore) UpdateDefinition(_ context.Context, def *Definition) error {
	k := m.key(def.CompanyID, def.ID)
	if _, ok := m.definitions[k]; !ok {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, def.ID)
	}
	m.definitions[k] = jsonClone(def)
	return nil
}

func (m *memStore) SoftDeleteDefinition(_ context.Context, companyID, id string, at time.Time) error {
	def, ok := m.definitions[m.key(companyID, id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	def.IsDeleted = true
	def.DeletedAt = &at
	return nil
}

func (m *memStore) ListDefinitions(_ context.Context, companyID string) ([]*Definition, error) {
	var out []*Definition
	for _, def := range m.definitions {
		if def.CompanyID == companyID && !def.IsDeleted {
			out = append(out, jsonClone(def))
		}
	}
	return out, nil
}

func (m *memStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.instances[m.key(inst.CompanyID, inst.ID)] = jsonClone(inst)
	return nil
}

func (m *memStore) GetInstance(_ context.Context, companyID, id string) (*Instance, error) {
	inst, ok := m.instances[m.key(companyID, id)]
	if !ok {
		return nil, nil
	}
	return jsonClone(inst), nil
}

func (m *memStore) UpdateInstance(_ context.Context, inst *Instance, expectedRevision int64, record *ApprovalRecord) error {
	k := m.key(inst.CompanyID, inst.ID)
	stored, ok := m.instances[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, inst.ID)
	}
	if stored.Revision != expectedRevision {
		return fmt.Errorf("%w: instance %s expected revision %d", ErrConcurrentModification, inst.ID, expectedRevision)
	}
	inst.Revision = expectedRevision + 1
	m.instances[k] = jsonClone(inst)
	if record != nil {
		record.Sequence = len(m.records[inst.ID]) + 1
		m.records[inst.ID] = append(m.records[inst.ID], jsonClone(record))
	}
	return nil
}

func (m *memStore) ListApprovalRecords(_ context.Context, companyID, instanceID string) ([]*ApprovalRecord, error) {
	var out []*ApprovalRecord
	for _, r := range m.records[instanceID] {
		if r.CompanyID == companyID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetForm(_ context.Context, companyID, formID string) (*FormDefinition, error) {
	form, ok := m.forms[m.key(companyID, formID)]
	if !ok {
		return nil, nil
	}
	return jsonClone(form), nil
}

// memDirectory is a fixed user/role directory.
type memDirectory struct {
	users map[string]bool
	roles map[string][]string
}

func (d *memDirectory) UserExists(_ context.Context, _, userID string) (bool, error) {
	return d.users[userID], nil
}

func (d *memDirectory) UsersInRole(_ context.Context, _, roleID string) ([]string, error) {
	return d.roles[roleID], nil
}

// memDocuments records AttachWorkflow calls.
type memDocuments struct {
	attached map[string]string
	fail     bool
}

func (d *memDocuments) AttachWorkflow(_ context.Context, _, documentID, instanceID string) error {
	if d.fail {
		return fmt.Errorf("document service unavailable")
	}
	if d.attached == nil {
		d.attached = make(map[string]string)
	}
	d.attached[documentID] = instanceID
	return nil
}

func testDirectory() *memDirectory {
	return &memDirectory{
		users: map[string]bool{"alice": true, "bob": true, "carol": true},
		roles: map[string][]string{"finance": {"bob", "carol"}},
	}
}

func newTestEngine(t *testing.T, graph Graph) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	def := &Definition{
		ID:        "def-1",
		CompanyID: testCompany,
		Name:      "Expense approval",
		Version:   Version{Major: 1, Minor: 0},
		Graph:     graph,
		IsActive:  true,
	}
	require.NoError(t, store.CreateDefinition(context.Background(), def))
	return NewEngine(store, store, store, testDirectory(), nil), store
}

func TestStartWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("advances past the start node immediately", func(t *testing.T) {
		engine, store := newTestEngine(t, branchGraph())
		inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "doc-9", map[string]any{"amount": 100}, "alice")
		require.NoError(t, err)
		assert.Equal(t, "review", inst.CurrentNodeID)
		assert.Equal(t, StatusRunning, inst.Status)
		assert.Equal(t, []string{"alice"}, inst.CurrentApproverIDs)
		assert.Equal(t, int64(1), inst.Revision)

		stored, err := store.GetInstance(ctx, testCompany, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, "review", stored.CurrentNodeID)
	})

	t.Run("unknown definition", func(t *testing.T) {
		engine, _ := newTestEngine(t, branchGraph())
		_, err := engine.StartWorkflow(ctx, testCompany, "missing", "", nil, "alice")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("wrong tenant cannot see the definition", func(t *testing.T) {
		engine, _ := newTestEngine(t, branchGraph())
		_, err := engine.StartWorkflow(ctx, "other-co", "def-1", "", nil, "alice")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("inactive definition", func(t *testing.T) {
		engine, store := newTestEngine(t, branchGraph())
		def, _ := store.GetDefinition(ctx, testCompany, "def-1")
		def.IsActive = false
		require.NoError(t, store.UpdateDefinition(ctx, def))

		_, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", nil, "alice")
		assert.ErrorIs(t, err, ErrDefinitionInactive)
	})

	t.Run("attaches the instance to the document", func(t *testing.T) {
		store := newMemStore()
		def := &Definition{ID: "def-1", CompanyID: testCompany, Name: "x", Graph: branchGraph(), IsActive: true}
		require.NoError(t, store.CreateDefinition(ctx, def))
		docs := &memDocuments{}
		engine := NewEngine(store, store, store, testDirectory(), docs)

		inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "doc-9", nil, "alice")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, docs.attached["doc-9"])
	})

	t.Run("document attach failure does not fail the start", func(t *testing.T) {
		store := newMemStore()
		def := &Definition{ID: "def-1", CompanyID: testCompany, Name: "x", Graph: branchGraph(), IsActive: true}
		require.NoError(t, store.CreateDefinition(ctx, def))
		engine := NewEngine(store, store, store, testDirectory(), &memDocuments{fail: true})

		_, err := engine.StartWorkflow(ctx, testCompany, "def-1", "doc-9", nil, "alice")
		assert.NoError(t, err)
	})
}

func TestStartWorkflowFormSnapshots(t *testing.T) {
	ctx := context.Background()
	graph := branchGraph()
	graph.Nodes[1].Config.Form = &FormBinding{FormDefinitionID: "expense-form"}

	t.Run("forms frozen at start", func(t *testing.T) {
		engine, store := newTestEngine(t, graph)
		store.forms[store.key(testCompany, "expense-form")] = &FormDefinition{
			ID:     "expense-form",
			Name:   "Expense report",
			Fields: []FormField{{Name: "amount", Type: "number", Required: true}},
		}

		inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 1}, "alice")
		require.NoError(t, err)
		require.Contains(t, inst.FormSnapshots, "review")
		assert.Equal(t, "Expense report", inst.FormSnapshots["review"].Name)

		// Rewriting the catalog form leaves the snapshot alone.
		store.forms[store.key(testCompany, "expense-form")].Name = "Renamed"
		stored, err := store.GetInstance(ctx, testCompany, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "Expense report", stored.FormSnapshots["review"].Name)
	})

	t.Run("missing bound form fails the start", func(t *testing.T) {
		engine, _ := newTestEngine(t, graph)
		_, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", nil, "alice")
		assert.Error(t, err)
	})
}

// Definition edits after start must not affect a running instance.
func TestSnapshotImmuneToDefinitionEdits(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, branchGraph())

	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	def, _ := store.GetDefinition(ctx, testCompany, "def-1")
	def.Name = "Edited"
	def.Graph.Edges = []Edge{{Source: "start", Target: "rejected"}}
	require.NoError(t, store.UpdateDefinition(ctx, def))

	// The instance still completes along its original graph.
	out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "Expense approval", out.DefinitionSnapshot.Name)
}

func TestProcessApprovalHappyPath(t *testing.T) {
	ctx := context.Background()

	t.Run("single approval to completion", func(t *testing.T) {
		engine, store := newTestEngine(t, branchGraph())
		inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
		require.NoError(t, err)

		out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, out.Status)
		assert.Equal(t, "approved", out.CurrentNodeID)
		assert.Empty(t, out.CurrentApproverIDs)
		require.NotNil(t, out.CompletedAt)
		assert.Equal(t, int64(2), out.Revision)

		records, err := store.ListApprovalRecords(ctx, testCompany, inst.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ActionApprove, records[0].Action)
		assert.Equal(t, 1, records[0].Sequence)
	})

	t.Run("high amount routes through second reviewer then rejects", func(t *testing.T) {
		engine, _ := newTestEngine(t, branchGraph())
		inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 50000}, "alice")
		require.NoError(t, err)

		mid, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, "cfo", mid.CurrentNodeID)
		assert.Equal(t, StatusRunning, mid.Status)

		out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "cfo", Action: ActionReject, ActorID: "alice", Comment: "over budget",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, "rejected", out.CurrentNodeID)
	})
}

func TestProcessApprovalPreconditions(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, branchGraph())
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	t.Run("unknown instance", func(t *testing.T) {
		_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: "missing", NodeID: "review", Action: ActionApprove, ActorID: "alice",
		})
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("stale node id", func(t *testing.T) {
		_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "cfo", Action: ActionApprove, ActorID: "alice",
		})
		assert.ErrorIs(t, err, ErrNodeMismatch)
	})

	t.Run("reject without comment", func(t *testing.T) {
		_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionReject, ActorID: "alice",
		})
		assert.ErrorIs(t, err, ErrCommentRequired)
	})

	t.Run("delegate to unknown user", func(t *testing.T) {
		_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionDelegate, ActorID: "alice", DelegateToUserID: "mallory",
		})
		assert.ErrorIs(t, err, ErrUnknownDelegate)
	})

	t.Run("return and cancel are not approval actions", func(t *testing.T) {
		for _, action := range []Action{ActionReturn, ActionCancel} {
			_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
				InstanceID: inst.ID, NodeID: "review", Action: action, ActorID: "alice",
			})
			assert.Error(t, err)
		}
	})

	t.Run("terminal instance refuses actions", func(t *testing.T) {
		_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
		})
		require.NoError(t, err)

		_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "approved", Action: ActionApprove, ActorID: "alice",
		})
		assert.ErrorIs(t, err, ErrInstanceNotRunning)
	})
}

func TestProcessApprovalDuplicateAction(t *testing.T) {
	ctx := context.Background()
	graph := branchGraph()
	graph.Nodes[1].Config.Approval = &ApprovalConfig{
		Mode:      ModeAll,
		Approvers: []ApproverRule{{Type: ApproverUser, UserID: "alice"}, {Type: ApproverUser, UserID: "bob"}},
	}
	engine, _ := newTestEngine(t, graph)
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)

	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	assert.Error(t, err, "the same actor cannot approve the same node twice")
}

func TestProcessApprovalModeAll(t *testing.T) {
	ctx := context.Background()
	graph := branchGraph()
	graph.Nodes[1].Config.Approval = &ApprovalConfig{
		Mode:      ModeAll,
		Approvers: []ApproverRule{{Type: ApproverUser, UserID: "alice"}, {Type: ApproverUser, UserID: "bob"}},
	}
	engine, store := newTestEngine(t, graph)
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, inst.CurrentApproverIDs)

	first, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", first.CurrentNodeID, "first of two approvals must not advance")
	assert.Equal(t, StatusRunning, first.Status)

	second, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)

	records, err := store.ListApprovalRecords(ctx, testCompany, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []int{1, 2}, []int{records[0].Sequence, records[1].Sequence})
}

func TestProcessApprovalDelegate(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, branchGraph())
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionDelegate, ActorID: "alice", DelegateToUserID: "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", out.CurrentNodeID, "delegation must not advance the graph")
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, []string{"carol"}, out.CurrentApproverIDs)

	records, err := store.ListApprovalRecords(ctx, testCompany, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ActionDelegate, records[0].Action)
	assert.Equal(t, "carol", records[0].DelegateToUserID)

	// The delegator's seat is gone: alice may no longer act.
	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	assert.ErrorIs(t, err, ErrActorNotEligible)

	// The delegate can now act.
	final, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestProcessApprovalSeatGate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, branchGraph())
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	// The review node's only seat belongs to alice.
	for _, action := range []Action{ActionApprove, ActionReject, ActionDelegate} {
		_, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: action, ActorID: "bob",
			Comment: "x", DelegateToUserID: "carol",
		})
		assert.ErrorIs(t, err, ErrActorNotEligible, "bob has no seat, action %s", action)
	}
}

func TestProcessApprovalModeAllWithDelegation(t *testing.T) {
	ctx := context.Background()
	graph := branchGraph()
	graph.Nodes[1].Config.Approval = &ApprovalConfig{
		Mode:      ModeAll,
		Approvers: []ApproverRule{{Type: ApproverUser, UserID: "alice"}, {Type: ApproverUser, UserID: "bob"}},
	}
	engine, _ := newTestEngine(t, graph)
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)

	mid, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionDelegate, ActorID: "bob", DelegateToUserID: "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, mid.CurrentApproverIDs)

	// Carol's approval satisfies the node in bob's place.
	out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "carol",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
}

// rejectLoopGraph sends a cfo rejection back to review instead of to a
// terminal node.
func rejectLoopGraph() Graph {
	return Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			approvalNode("review"),
			approvalNode("cfo", ApproverRule{Type: ApproverUser, UserID: "bob"}),
			{ID: "approved", Type: NodeEnd, Config: NodeConfig{Outcome: OutcomeApproved}},
		},
		Edges: []Edge{
			{Source: "start", Target: "review"},
			{Source: "review", Target: "cfo", Branch: BranchApprove},
			{Source: "cfo", Target: "approved", Branch: BranchApprove},
			{Source: "cfo", Target: "review", Branch: BranchReject},
		},
	}
}

func TestRejectLoopReopensNodeOccupancy(t *testing.T) {
	ctx := context.Background()
	g := rejectLoopGraph()
	require.NoError(t, g.Validate())

	engine, _ := newTestEngine(t, g)
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", nil, "alice")
	require.NoError(t, err)

	approve := func(nodeID, actorID string) (*Instance, error) {
		return engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: nodeID, Action: ActionApprove, ActorID: actorID,
		})
	}

	_, err = approve("review", "alice")
	require.NoError(t, err)

	looped, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "cfo", Action: ActionReject, ActorID: "bob", Comment: "rework",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", looped.CurrentNodeID)
	assert.Equal(t, StatusRunning, looped.Status)

	// Re-entering the node opened a fresh occupancy: alice's first-visit
	// approval is history, not a duplicate.
	again, err := approve("review", "alice")
	require.NoError(t, err)
	assert.Equal(t, "cfo", again.CurrentNodeID)

	// Same for bob on the second cfo visit.
	out, err := approve("cfo", "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestModeAllIgnoresEarlierVisitApprovals(t *testing.T) {
	ctx := context.Background()
	g := rejectLoopGraph()
	g.Nodes[1].Config.Approval = &ApprovalConfig{
		Mode:      ModeAll,
		Approvers: []ApproverRule{{Type: ApproverUser, UserID: "alice"}, {Type: ApproverUser, UserID: "carol"}},
	}

	engine, _ := newTestEngine(t, g)
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", nil, "alice")
	require.NoError(t, err)

	for _, actor := range []string{"alice", "carol"} {
		_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: actor,
		})
		require.NoError(t, err)
	}
	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "cfo", Action: ActionReject, ActorID: "bob", Comment: "rework",
	})
	require.NoError(t, err)

	// Back on review: alice's fresh approval alone must not advance the
	// ModeAll node just because both approved on the first visit.
	out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", out.CurrentNodeID)
	assert.Equal(t, StatusRunning, out.Status)
}

func TestReturnToNode(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T) (*Engine, *memStore, *Instance) {
		engine, store := newTestEngine(t, branchGraph())
		inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 50000}, "alice")
		require.NoError(t, err)
		_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
		})
		require.NoError(t, err)
		return engine, store, inst
	}

	t.Run("moves back and records the origin node", func(t *testing.T) {
		engine, store, inst := start(t)
		out, err := engine.ReturnToNode(ctx, testCompany, inst.ID, "review", "alice", "missing receipts")
		require.NoError(t, err)
		assert.Equal(t, "review", out.CurrentNodeID)
		assert.Equal(t, StatusRunning, out.Status)

		records, err := store.ListApprovalRecords(ctx, testCompany, inst.ID)
		require.NoError(t, err)
		last := records[len(records)-1]
		assert.Equal(t, ActionReturn, last.Action)
		assert.Equal(t, "cfo", last.NodeID, "the record names the node returned from")
	})

	t.Run("prior approver may act again after a return", func(t *testing.T) {
		engine, _, inst := start(t)
		_, err := engine.ReturnToNode(ctx, testCompany, inst.ID, "review", "alice", "missing receipts")
		require.NoError(t, err)

		out, err := engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, "cfo", out.CurrentNodeID)
	})

	t.Run("comment required", func(t *testing.T) {
		engine, _, inst := start(t)
		_, err := engine.ReturnToNode(ctx, testCompany, inst.ID, "review", "alice", "")
		assert.ErrorIs(t, err, ErrCommentRequired)
	})

	t.Run("end node is not a valid target", func(t *testing.T) {
		engine, _, inst := start(t)
		_, err := engine.ReturnToNode(ctx, testCompany, inst.ID, "approved", "alice", "oops")
		assert.ErrorIs(t, err, ErrInvalidTargetNode)
	})

	t.Run("start node is not a valid target", func(t *testing.T) {
		engine, _, inst := start(t)
		_, err := engine.ReturnToNode(ctx, testCompany, inst.ID, "start", "alice", "oops")
		assert.ErrorIs(t, err, ErrInvalidTargetNode)
	})

	t.Run("unknown node is not a valid target", func(t *testing.T) {
		engine, _, inst := start(t)
		_, err := engine.ReturnToNode(ctx, testCompany, inst.ID, "nowhere", "alice", "oops")
		assert.ErrorIs(t, err, ErrInvalidTargetNode)
	})
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, branchGraph())
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	out, err := engine.CancelWorkflow(ctx, testCompany, inst.ID, "alice", "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	require.NotNil(t, out.CompletedAt)

	records, err := store.ListApprovalRecords(ctx, testCompany, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ActionCancel, records[0].Action)
	assert.Equal(t, "duplicate request", records[0].Comment)

	_, err = engine.CancelWorkflow(ctx, testCompany, inst.ID, "alice", "again")
	assert.ErrorIs(t, err, ErrInstanceNotRunning)
}

// conflictStore makes the first revision-checked write fail the way a
// concurrent writer would.
type conflictStore struct {
	*memStore
	conflicts int
}

func (c *conflictStore) UpdateInstance(ctx context.Context, inst *Instance, expectedRevision int64, record *ApprovalRecord) error {
	if c.conflicts > 0 {
		c.conflicts--
		return fmt.Errorf("%w: instance %s expected revision %d", ErrConcurrentModification, inst.ID, expectedRevision)
	}
	return c.memStore.UpdateInstance(ctx, inst, expectedRevision, record)
}

func TestProcessApprovalConcurrentModification(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	def := &Definition{ID: "def-1", CompanyID: testCompany, Name: "x", Graph: branchGraph(), IsActive: true}
	require.NoError(t, store.CreateDefinition(ctx, def))
	conflicted := &conflictStore{memStore: store, conflicts: 1}
	engine := NewEngine(store, conflicted, store, testDirectory(), nil)

	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 100}, "alice")
	require.NoError(t, err)

	req := ApprovalRequest{InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice"}
	_, err = engine.ProcessApproval(ctx, testCompany, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	// Nothing was written: no ledger entry, instance unchanged.
	records, err := store.ListApprovalRecords(ctx, testCompany, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
	stored, err := store.GetInstance(ctx, testCompany, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)

	// The standard recovery is re-fetch and retry.
	out, err := engine.ProcessApproval(ctx, testCompany, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestGetNodeApprovers(t *testing.T) {
	ctx := context.Background()
	graph := branchGraph()
	graph.Nodes[2].Config.Approval = &ApprovalConfig{Approvers: []ApproverRule{
		{Type: ApproverRole, RoleID: "finance"},
		{Type: ApproverFormField, FormFieldKey: "requester"},
		{Type: ApproverUser, UserID: "ghost"},
	}}
	engine, _ := newTestEngine(t, graph)
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "",
		map[string]any{"amount": 100, "requester": "alice"}, "alice")
	require.NoError(t, err)

	approvers, err := engine.GetNodeApprovers(ctx, testCompany, inst.ID, "cfo")
	require.NoError(t, err)
	// Role members in order, then the form-field user; the unknown fixed
	// user is skipped.
	assert.Equal(t, []string{"bob", "carol", "alice"}, approvers)

	t.Run("unknown node yields empty", func(t *testing.T) {
		approvers, err := engine.GetNodeApprovers(ctx, testCompany, inst.ID, "nowhere")
		require.NoError(t, err)
		assert.Empty(t, approvers)
	})

	t.Run("unknown instance yields empty", func(t *testing.T) {
		approvers, err := engine.GetNodeApprovers(ctx, testCompany, "missing", "cfo")
		require.NoError(t, err)
		assert.Empty(t, approvers)
	})
}

func TestGetApprovalHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, branchGraph())
	inst, err := engine.StartWorkflow(ctx, testCompany, "def-1", "", map[string]any{"amount": 50000}, "alice")
	require.NoError(t, err)

	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)
	_, err = engine.ReturnToNode(ctx, testCompany, inst.ID, "review", "alice", "redo")
	require.NoError(t, err)
	_, err = engine.ProcessApproval(ctx, testCompany, ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: ActionApprove, ActorID: "alice",
	})
	require.NoError(t, err)

	records, err := engine.GetApprovalHistory(ctx, testCompany, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i+1, r.Sequence)
	}
	assert.Equal(t, []Action{ActionApprove, ActionReturn, ActionApprove},
		[]Action{records[0].Action, records[1].Action, records[2].Action})

	t.Run("other tenant cannot read the ledger", func(t *testing.T) {
		records, err := engine.GetApprovalHistory(ctx, "other-co", inst.ID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
