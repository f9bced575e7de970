// Package directory answers "who is this user" questions for approver
// resolution, backed by the same sqlite store the engine persists to.
package directory

import (
	"context"

	"approval-engine/db"
)

// StoreDirectory resolves users and role memberships from the database.
type StoreDirectory struct {
	store *db.Store
}

// New returns a directory backed by the given store.
func New(store *db.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

// UserExists reports whether the user is an active member of the company.
func (d *StoreDirectory) UserExists(ctx context.Context, companyID, userID string) (bool, error) {
	return d.store.UserActive(ctx, companyID, userID)
}

// UsersInRole lists the company's active users holding the role.
func (d *StoreDirectory) UsersInRole(ctx context.Context, companyID, roleID string) ([]string, error) {
	return d.store.UsersInRole(ctx, companyID, roleID)
}
