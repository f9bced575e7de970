// Package db persists workflow definitions, instances and the approval
// ledger in sqlite. Every read/write is keyed by id plus company id; the
// tenant scoping lives here, at the persistence boundary, not in the engine.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"approval-engine/workflow"
)

const timeFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
    id                 TEXT PRIMARY KEY,
    company_id         TEXT NOT NULL,
    name               TEXT NOT NULL,
    description        TEXT,
    category           TEXT,
    version_major      INTEGER NOT NULL,
    version_minor      INTEGER NOT NULL,
    version_created_at TEXT,
    graph              TEXT NOT NULL,
    is_active          INTEGER NOT NULL,
    is_deleted         INTEGER NOT NULL DEFAULT 0,
    deleted_at         TEXT,
    created_by         TEXT,
    created_at         TEXT,
    updated_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_definitions_company ON workflow_definitions(company_id, is_deleted);

CREATE TABLE IF NOT EXISTS workflow_instances (
    id                   TEXT PRIMARY KEY,
    company_id           TEXT NOT NULL,
    definition_id        TEXT NOT NULL,
    document_id          TEXT,
    current_node_id      TEXT,
    status               TEXT NOT NULL,
    variables            TEXT,
    current_approver_ids TEXT,
    definition_snapshot  TEXT NOT NULL,
    form_snapshots       TEXT,
    revision             INTEGER NOT NULL,
    started_by           TEXT,
    created_at           TEXT,
    updated_at           TEXT,
    completed_at         TEXT
);
CREATE INDEX IF NOT EXISTS idx_instances_company ON workflow_instances(company_id, status);

CREATE TABLE IF NOT EXISTS approval_records (
    id                   TEXT PRIMARY KEY,
    workflow_instance_id TEXT NOT NULL,
    node_id              TEXT NOT NULL,
    action               TEXT NOT NULL,
    approver_id          TEXT NOT NULL,
    comment              TEXT,
    delegate_to_user_id  TEXT,
    seq                  INTEGER NOT NULL,
    company_id           TEXT,
    recorded_at          TEXT,
    FOREIGN KEY (workflow_instance_id) REFERENCES workflow_instances(id)
);
CREATE INDEX IF NOT EXISTS idx_records_instance ON approval_records(workflow_instance_id, seq);

CREATE TABLE IF NOT EXISTS form_definitions (
    id         TEXT NOT NULL,
    company_id TEXT NOT NULL,
    name       TEXT,
    fields     TEXT,
    PRIMARY KEY (id, company_id)
);

CREATE TABLE IF NOT EXISTS users (
    id         TEXT NOT NULL,
    company_id TEXT NOT NULL,
    name       TEXT,
    status     TEXT NOT NULL DEFAULT 'active',
    PRIMARY KEY (id, company_id)
);

CREATE TABLE IF NOT EXISTS user_roles (
    user_id    TEXT NOT NULL,
    company_id TEXT NOT NULL,
    role_id    TEXT NOT NULL,
    PRIMARY KEY (user_id, company_id, role_id)
);
`

// Store is the sqlite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: conn}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDefinition inserts a new definition catalog row.
func (s *Store) CreateDefinition(ctx context.Context, def *workflow.Definition) error {
	graph, err := json.Marshal(def.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions
		 (id, company_id, name, description, category, version_major, version_minor, version_created_at,
		  graph, is_active, is_deleted, deleted_at, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.CompanyID, def.Name, def.Description, def.Category,
		def.Version.Major, def.Version.Minor, def.Version.CreatedAt.Format(timeFormat),
		string(graph), def.IsActive, def.IsDeleted, formatTimePtr(def.DeletedAt),
		def.CreatedBy, def.CreatedAt.Format(timeFormat), def.UpdatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition loads one definition scoped to the tenant, soft-deleted rows
// included. A miss returns (nil, nil).
func (s *Store) GetDefinition(ctx context.Context, companyID, id string) (*workflow.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, name, description, category, version_major, version_minor, version_created_at,
		        graph, is_active, is_deleted, deleted_at, created_by, created_at, updated_at
		 FROM workflow_definitions WHERE id = ? AND company_id = ?`, id, companyID)
	return scanDefinition(row)
}

// UpdateDefinition rewrites the catalog row's mutable fields.
func (s *Store) UpdateDefinition(ctx context.Context, def *workflow.Definition) error {
	graph, err := json.Marshal(def.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions
		 SET name = ?, description = ?, category = ?, graph = ?, is_active = ?,
		     version_major = ?, version_minor = ?, version_created_at = ?, updated_at = ?
		 WHERE id = ? AND company_id = ?`,
		def.Name, def.Description, def.Category, string(graph), def.IsActive,
		def.Version.Major, def.Version.Minor, def.Version.CreatedAt.Format(timeFormat),
		def.UpdatedAt.Format(timeFormat), def.ID, def.CompanyID)
	if err != nil {
		return fmt.Errorf("update definition %s: %w", def.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, def.ID)
	}
	return nil
}

// SoftDeleteDefinition flags the row deleted. The row stays so existing
// instances' lineage remains queryable.
func (s *Store) SoftDeleteDefinition(ctx context.Context, companyID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND company_id = ?`,
		at.Format(timeFormat), at.Format(timeFormat), id, companyID)
	if err != nil {
		return fmt.Errorf("soft-delete definition %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
	}
	return nil
}

// ListDefinitions returns the tenant's non-deleted definitions, newest
// first.
func (s *Store) ListDefinitions(ctx context.Context, companyID string) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, name, description, category, version_major, version_minor, version_created_at,
		        graph, is_active, is_deleted, deleted_at, created_by, created_at, updated_at
		 FROM workflow_definitions WHERE company_id = ? AND is_deleted = 0 ORDER BY created_at DESC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SaveForm upserts a form definition for the tenant.
func (s *Store) SaveForm(ctx context.Context, companyID string, form *workflow.FormDefinition) error {
	fields, err := json.Marshal(form.Fields)
	if err != nil {
		return fmt.Errorf("marshal form fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO form_definitions (id, company_id, name, fields) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id, company_id) DO UPDATE SET name = excluded.name, fields = excluded.fields`,
		form.ID, companyID, form.Name, string(fields))
	if err != nil {
		return fmt.Errorf("save form %s: %w", form.ID, err)
	}
	return nil
}

// GetForm loads a form definition, (nil, nil) on a miss.
func (s *Store) GetForm(ctx context.Context, companyID, formID string) (*workflow.FormDefinition, error) {
	var form workflow.FormDefinition
	var fields string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, fields FROM form_definitions WHERE id = ? AND company_id = ?`,
		formID, companyID).Scan(&form.ID, &form.Name, &fields)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load form %s: %w", formID, err)
	}
	if err := json.Unmarshal([]byte(fields), &form.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal form %s fields: %w", formID, err)
	}
	return &form, nil
}

// AddUser registers an active user of the tenant.
func (s *Store) AddUser(ctx context.Context, companyID, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, company_id, name, status) VALUES (?, ?, ?, 'active')
		 ON CONFLICT(id, company_id) DO UPDATE SET name = excluded.name, status = 'active'`,
		userID, companyID, name)
	if err != nil {
		return fmt.Errorf("add user %s: %w", userID, err)
	}
	return nil
}

// AssignRole grants a role to a user within the tenant.
func (s *Store) AssignRole(ctx context.Context, companyID, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_roles (user_id, company_id, role_id) VALUES (?, ?, ?)`,
		userID, companyID, roleID)
	if err != nil {
		return fmt.Errorf("assign role %s to %s: %w", roleID, userID, err)
	}
	return nil
}

// UserActive reports whether the user is an active member of the tenant.
func (s *Store) UserActive(ctx context.Context, companyID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE id = ? AND company_id = ? AND status = 'active'`,
		userID, companyID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("look up user %s: %w", userID, err)
	}
	return count > 0, nil
}

// UsersInRole lists the tenant's active users holding the role.
func (s *Store) UsersInRole(ctx context.Context, companyID, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ur.user_id FROM user_roles ur
		 JOIN users u ON u.id = ur.user_id AND u.company_id = ur.company_id
		 WHERE ur.company_id = ? AND ur.role_id = ? AND u.status = 'active'
		 ORDER BY ur.user_id`, companyID, roleID)
	if err != nil {
		return nil, fmt.Errorf("list role %s users: %w", roleID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// CreateInstance inserts a freshly started instance with its snapshots.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	variables, snapshot, forms, approvers, err := marshalInstanceState(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances
		 (id, company_id, definition_id, document_id, current_node_id, status, variables,
		  current_approver_ids, definition_snapshot, form_snapshots, revision, started_by,
		  created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.CompanyID, inst.DefinitionID, inst.DocumentID, inst.CurrentNodeID,
		string(inst.Status), variables, approvers, snapshot, forms, inst.Revision, inst.StartedBy,
		inst.CreatedAt.Format(timeFormat), inst.UpdatedAt.Format(timeFormat), formatTimePtr(inst.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstance loads one instance scoped to the tenant, (nil, nil) on a miss.
func (s *Store) GetInstance(ctx context.Context, companyID, id string) (*workflow.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, definition_id, document_id, current_node_id, status, variables,
		        current_approver_ids, definition_snapshot, form_snapshots, revision, started_by,
		        created_at, updated_at, completed_at
		 FROM workflow_instances WHERE id = ? AND company_id = ?`, id, companyID)

	var inst workflow.Instance
	var status, variables, approvers, snapshot, forms string
	var createdAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&inst.ID, &inst.CompanyID, &inst.DefinitionID, &inst.DocumentID,
		&inst.CurrentNodeID, &status, &variables, &approvers, &snapshot, &forms,
		&inst.Revision, &inst.StartedBy, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}

	inst.Status = workflow.Status(status)
	if err := json.Unmarshal([]byte(variables), &inst.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s variables: %w", id, err)
	}
	if err := json.Unmarshal([]byte(approvers), &inst.CurrentApproverIDs); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s approvers: %w", id, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &inst.DefinitionSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s definition snapshot: %w", id, err)
	}
	if err := json.Unmarshal([]byte(forms), &inst.FormSnapshots); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s form snapshots: %w", id, err)
	}
	inst.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	inst.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	inst.CompletedAt = parseTimePtr(completedAt)
	return &inst, nil
}

// UpdateInstance commits one mutation of an instance together with its
// ledger entry, or neither. The write only applies when the stored revision
// still equals expectedRevision; a stale revision means another caller
// advanced the instance first and yields ErrConcurrentModification. On
// success the instance's revision is bumped in place.
func (s *Store) UpdateInstance(ctx context.Context, inst *workflow.Instance, expectedRevision int64, record *workflow.ApprovalRecord) error {
	variables, _, _, approvers, err := marshalInstanceState(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update of instance %s: %w", inst.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances
		 SET current_node_id = ?, status = ?, variables = ?, current_approver_ids = ?,
		     revision = revision + 1, updated_at = ?, completed_at = ?
		 WHERE id = ? AND company_id = ? AND revision = ?`,
		inst.CurrentNodeID, string(inst.Status), variables, approvers,
		inst.UpdatedAt.Format(timeFormat), formatTimePtr(inst.CompletedAt),
		inst.ID, inst.CompanyID, expectedRevision)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM workflow_instances WHERE id = ? AND company_id = ?`,
			inst.ID, inst.CompanyID).Scan(&count); err != nil {
			return fmt.Errorf("check instance %s: %w", inst.ID, err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, inst.ID)
		}
		return fmt.Errorf("%w: instance %s expected revision %d", workflow.ErrConcurrentModification, inst.ID, expectedRevision)
	}

	if record != nil {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM approval_records WHERE workflow_instance_id = ?`,
			inst.ID).Scan(&record.Sequence); err != nil {
			return fmt.Errorf("next record sequence for %s: %w", inst.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO approval_records
			 (id, workflow_instance_id, node_id, action, approver_id, comment, delegate_to_user_id, seq, company_id, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.InstanceID, record.NodeID, string(record.Action), record.ActorID,
			record.Comment, record.DelegateToUserID, record.Sequence, record.CompanyID,
			record.RecordedAt.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("insert approval record for %s: %w", inst.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update of instance %s: %w", inst.ID, err)
	}
	inst.Revision = expectedRevision + 1
	return nil
}

// ListApprovalRecords returns an instance's ledger in insertion order,
// scoped to the tenant like every other read.
func (s *Store) ListApprovalRecords(ctx context.Context, companyID, instanceID string) ([]*workflow.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_instance_id, node_id, action, approver_id, comment, delegate_to_user_id, seq, company_id, recorded_at
		 FROM approval_records WHERE workflow_instance_id = ? AND company_id = ? ORDER BY seq ASC`, instanceID, companyID)
	if err != nil {
		return nil, fmt.Errorf("list approval records for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var records []*workflow.ApprovalRecord
	for rows.Next() {
		var r workflow.ApprovalRecord
		var action, recordedAt string
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.NodeID, &action, &r.ActorID,
			&r.Comment, &r.DelegateToUserID, &r.Sequence, &r.CompanyID, &recordedAt); err != nil {
			return nil, err
		}
		r.Action = workflow.Action(action)
		r.RecordedAt, _ = time.Parse(timeFormat, recordedAt)
		records = append(records, &r)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*workflow.Definition, error) {
	var def workflow.Definition
	var graph, versionCreatedAt, createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&def.ID, &def.CompanyID, &def.Name, &def.Description, &def.Category,
		&def.Version.Major, &def.Version.Minor, &versionCreatedAt, &graph,
		&def.IsActive, &def.IsDeleted, &deletedAt, &def.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	if err := json.Unmarshal([]byte(graph), &def.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s graph: %w", def.ID, err)
	}
	def.Version.CreatedAt, _ = time.Parse(timeFormat, versionCreatedAt)
	def.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	def.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	def.DeletedAt = parseTimePtr(deletedAt)
	return &def, nil
}

func marshalInstanceState(inst *workflow.Instance) (variables, snapshot, forms, approvers string, err error) {
	v, err := json.Marshal(inst.Variables)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal instance %s variables: %w", inst.ID, err)
	}
	d, err := json.Marshal(inst.DefinitionSnapshot)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal instance %s definition snapshot: %w", inst.ID, err)
	}
	f, err := json.Marshal(inst.FormSnapshots)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal instance %s form snapshots: %w", inst.ID, err)
	}
	a, err := json.Marshal(inst.CurrentApproverIDs)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal instance %s approvers: %w", inst.ID, err)
	}
	return string(v), string(d), string(f), string(a), nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeFormat)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
