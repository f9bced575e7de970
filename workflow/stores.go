package workflow

import (
	"context"
	"time"
)

// DefinitionStore is the persistence contract for the definition catalog.
// Reads are lenient (nil, nil on a miss) and always tenant-scoped.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, companyID, id string) (*Definition, error)
	UpdateDefinition(ctx context.Context, def *Definition) error
	SoftDeleteDefinition(ctx context.Context, companyID, id string, at time.Time) error
	ListDefinitions(ctx context.Context, companyID string) ([]*Definition, error)
}

// InstanceStore is the persistence contract for instances and their ledger.
// UpdateInstance must apply the instance write and the record append as one
// atomic unit, guarded by the expected revision: a stale revision fails with
// ErrConcurrentModification and writes nothing.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, companyID, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance, expectedRevision int64, record *ApprovalRecord) error
	ListApprovalRecords(ctx context.Context, companyID, instanceID string) ([]*ApprovalRecord, error)
}

// FormCatalog is the form service: it owns FormDefinition records. The
// engine only reads them by id at start time, to snapshot them.
type FormCatalog interface {
	GetForm(ctx context.Context, companyID, formID string) (*FormDefinition, error)
}

// Documents is the document service. The engine's only write to it is the
// back-reference from the document to its instance, once, after a start.
type Documents interface {
	AttachWorkflow(ctx context.Context, companyID, documentID, instanceID string) error
}
