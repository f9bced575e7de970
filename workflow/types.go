package workflow

import "time"

// Node types understood by the engine. Anything else fails graph validation.
const (
	NodeStart    = "start"
	NodeApproval = "approval"
	NodeGateway  = "gateway"
	NodeEnd      = "end"
)

// End node outcomes. An end node without an outcome completes the instance.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Edge branches. Edges without a branch belong to the approve set.
const (
	BranchApprove = "approve"
	BranchReject  = "reject"
)

// Version identifies one definition within its lineage. A new version is a
// new catalog row, never an in-place rewrite.
type Version struct {
	Major     int       `json:"major"`
	Minor     int       `json:"minor"`
	CreatedAt time.Time `json:"createdAt"`
}

// Definition is the reusable process template: a validated graph plus
// catalog metadata, scoped to one tenant.
type Definition struct {
	ID          string     `json:"id"`
	CompanyID   string     `json:"companyId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Version     Version    `json:"version"`
	Graph       Graph      `json:"graph"`
	IsActive    bool       `json:"isActive"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Graph is the immutable description of a process: nodes plus directed,
// optionally conditional edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the graph's start node, or nil.
func (g *Graph) StartNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Node is a single step in the graph.
type Node struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Label  string     `json:"label,omitempty"`
	Config NodeConfig `json:"config,omitempty"`
}

// NodeConfig holds the per-type node settings.
type NodeConfig struct {
	Approval *ApprovalConfig `json:"approval,omitempty"`
	Form     *FormBinding    `json:"form,omitempty"`
	// Outcome applies to end nodes only: "rejected" ends the instance as
	// Rejected, anything else as Completed.
	Outcome string `json:"outcome,omitempty"`
}

// Approval modes. ModeAny advances on the first approval, ModeAll only once
// every resolved approver has approved the node.
const (
	ModeAny = "any"
	ModeAll = "all"
)

// ApprovalConfig configures who may act on an approval or gateway node.
type ApprovalConfig struct {
	Mode      string         `json:"mode,omitempty"`
	Approvers []ApproverRule `json:"approvers"`
}

// Approver rule types.
const (
	ApproverUser      = "user"
	ApproverRole      = "role"
	ApproverFormField = "formField"
)

// ApproverRule names one source of approvers: a fixed user, everyone holding
// a role, or the user named by an instance variable.
type ApproverRule struct {
	Type         string `json:"type"`
	UserID       string `json:"userId,omitempty"`
	RoleID       string `json:"roleId,omitempty"`
	FormFieldKey string `json:"formFieldKey,omitempty"`
}

// FormBinding points a node at the form it renders. DataScopeKey names where
// in the document's form data this node's fields live.
type FormBinding struct {
	FormDefinitionID string `json:"formDefinitionId"`
	DataScopeKey     string `json:"dataScopeKey,omitempty"`
}

// Edge is a directed link between two nodes. Branch selects which action
// traverses it, Condition is an expression over the instance variables and
// Priority breaks ties when several edges are eligible.
type Edge struct {
	ID        string `json:"id,omitempty"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Branch    string `json:"branch,omitempty"`
	Condition string `json:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Label     string `json:"label,omitempty"`
}

// FormDefinition is the form service's record, snapshotted into instances at
// start time and never re-resolved afterwards.
type FormDefinition struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Fields []FormField `json:"fields"`
}

// FormField is a single field of a form definition.
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Instance is one execution of a definition against a business document. The
// embedded snapshots are written once at start and are read-only afterwards,
// which is what makes concurrent reads safe without locking.
type Instance struct {
	ID                 string                     `json:"id"`
	DefinitionID       string                     `json:"workflowDefinitionId"`
	DocumentID         string                     `json:"documentId"`
	CompanyID          string                     `json:"companyId"`
	CurrentNodeID      string                     `json:"currentNodeId"`
	Status             Status                     `json:"status"`
	Variables          map[string]any             `json:"variables"`
	CurrentApproverIDs []string                   `json:"currentApproverIds,omitempty"`
	DefinitionSnapshot *Definition                `json:"workflowDefinitionSnapshot"`
	FormSnapshots      map[string]*FormDefinition `json:"formDefinitionSnapshots,omitempty"`
	Revision           int64                      `json:"revision"`
	StartedBy          string                     `json:"startedBy,omitempty"`
	CreatedAt          time.Time                  `json:"createdAt"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
	CompletedAt        *time.Time                 `json:"completedAt,omitempty"`
}

// Done reports whether the instance has reached a terminal status.
func (in *Instance) Done() bool {
	return in.Status.Terminal()
}

// ApprovalRecord is one ledger entry: an action taken against an instance.
// Records are append-only; Sequence makes the order total even when two
// entries share a timestamp.
type ApprovalRecord struct {
	ID               string    `json:"id"`
	InstanceID       string    `json:"workflowInstanceId"`
	NodeID           string    `json:"nodeId"`
	Action           Action    `json:"action"`
	ActorID          string    `json:"approverId"`
	Comment          string    `json:"comment,omitempty"`
	DelegateToUserID string    `json:"delegateToUserId,omitempty"`
	Sequence         int       `json:"sequence"`
	CompanyID        string    `json:"companyId"`
	RecordedAt       time.Time `json:"recordedAt"`
}
