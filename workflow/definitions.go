package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// DefinitionService owns the versioned definition catalog. Every mutation
// revalidates the graph before anything is persisted, so the engine never
// meets an invalid stored graph at runtime.
type DefinitionService struct {
	store DefinitionStore
}

// NewDefinitionService wires the catalog over a definition store.
func NewDefinitionService(store DefinitionStore) *DefinitionService {
	return &DefinitionService{store: store}
}

// DefinitionPatch is the set of fields an update may change. Nil fields are
// left untouched.
type DefinitionPatch struct {
	Name        *string
	Description *string
	Category    *string
	Graph       *Graph
	IsActive    *bool
}

// Create validates the graph and persists a new definition at version 1.0.
func (s *DefinitionService) Create(ctx context.Context, def *Definition) (*Definition, error) {
	if err := def.Graph.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := def.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Version = Version{Major: 1, Minor: 0, CreatedAt: now}
	out.IsDeleted = false
	out.DeletedAt = nil
	out.CreatedAt = now
	out.UpdatedAt = now
	if err := s.store.CreateDefinition(ctx, out); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	log.Printf("Definition %s (%s) created for company %s", out.ID, out.Name, out.CompanyID)
	return out, nil
}

// Update patches the permitted fields of a catalog row in place. A graph
// change is revalidated and bumps the minor version. Running instances are
// unaffected either way: they act on their own frozen snapshots.
func (s *DefinitionService) Update(ctx context.Context, companyID, id string, patch DefinitionPatch) (*Definition, error) {
	def, err := s.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Category != nil {
		def.Category = *patch.Category
	}
	if patch.IsActive != nil {
		def.IsActive = *patch.IsActive
	}
	if patch.Graph != nil {
		if err := patch.Graph.Validate(); err != nil {
			return nil, err
		}
		def.Graph = patch.Graph.clone()
		def.Version.Minor++
		def.Version.CreatedAt = time.Now().UTC()
	}
	def.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("update definition %s: %w", id, err)
	}
	return def, nil
}

// NewVersion creates the next major version of a definition lineage as a
// fresh catalog row carrying the given graph.
func (s *DefinitionService) NewVersion(ctx context.Context, companyID, id string, graph Graph) (*Definition, error) {
	base, err := s.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next := &Definition{
		ID:          uuid.New().String(),
		CompanyID:   base.CompanyID,
		Name:        base.Name,
		Description: base.Description,
		Category:    base.Category,
		Version:     Version{Major: base.Version.Major + 1, Minor: 0, CreatedAt: now},
		Graph:       graph.clone(),
		IsActive:    true,
		CreatedBy:   base.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDefinition(ctx, next); err != nil {
		return nil, fmt.Errorf("create definition version: %w", err)
	}
	log.Printf("Definition %s version %d.0 created from %s", next.ID, next.Version.Major, id)
	return next, nil
}

// SoftDelete marks the definition deleted without removing the row. Existing
// instances keep working off their snapshots.
func (s *DefinitionService) SoftDelete(ctx context.Context, companyID, id string) error {
	if _, err := s.Get(ctx, companyID, id); err != nil {
		return err
	}
	if err := s.store.SoftDeleteDefinition(ctx, companyID, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("delete definition %s: %w", id, err)
	}
	log.Printf("Definition %s soft-deleted for company %s", id, companyID)
	return nil
}

// Get loads one definition scoped to the tenant.
func (s *DefinitionService) Get(ctx context.Context, companyID, id string) (*Definition, error) {
	def, err := s.store.GetDefinition(ctx, companyID, id)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", id, err)
	}
	if def == nil || def.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return def, nil
}

// List returns the tenant's non-deleted definitions.
func (s *DefinitionService) List(ctx context.Context, companyID string) ([]*Definition, error) {
	return s.store.ListDefinitions(ctx, companyID)
}
