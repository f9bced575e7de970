package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) (*DefinitionService, *Definition) {
	t.Helper()
	svc := NewDefinitionService(newMemStore())
	def, err := svc.Create(context.Background(), &Definition{
		CompanyID: testCompany,
		Name:      "Expense approval",
		Category:  "finance",
		Graph:     linearGraph(),
		IsActive:  true,
	})
	require.NoError(t, err)
	return svc, def
}

func TestDefinitionServiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id and version 1.0", func(t *testing.T) {
		_, def := newCatalog(t)
		assert.NotEmpty(t, def.ID)
		assert.Equal(t, 1, def.Version.Major)
		assert.Equal(t, 0, def.Version.Minor)
	})

	t.Run("rejects an invalid graph", func(t *testing.T) {
		svc := NewDefinitionService(newMemStore())
		_, err := svc.Create(ctx, &Definition{CompanyID: testCompany, Name: "broken"})
		assert.ErrorIs(t, err, ErrInvalidGraph)
	})
}

func TestDefinitionServiceUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("metadata change keeps the version", func(t *testing.T) {
		svc, def := newCatalog(t)
		name := "Renamed"
		out, err := svc.Update(ctx, testCompany, def.ID, DefinitionPatch{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", out.Name)
		assert.Equal(t, def.Version.Minor, out.Version.Minor)
	})

	t.Run("graph change bumps the minor version", func(t *testing.T) {
		svc, def := newCatalog(t)
		g := branchGraph()
		out, err := svc.Update(ctx, testCompany, def.ID, DefinitionPatch{Graph: &g})
		require.NoError(t, err)
		assert.Equal(t, 1, out.Version.Major)
		assert.Equal(t, 1, out.Version.Minor)
		assert.Len(t, out.Graph.Nodes, 5)
	})

	t.Run("invalid graph change is rejected", func(t *testing.T) {
		svc, def := newCatalog(t)
		g := Graph{}
		_, err := svc.Update(ctx, testCompany, def.ID, DefinitionPatch{Graph: &g})
		assert.ErrorIs(t, err, ErrInvalidGraph)
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, _ := newCatalog(t)
		_, err := svc.Update(ctx, testCompany, "missing", DefinitionPatch{})
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})
}

func TestDefinitionServiceNewVersion(t *testing.T) {
	ctx := context.Background()
	svc, def := newCatalog(t)

	next, err := svc.NewVersion(ctx, testCompany, def.ID, branchGraph())
	require.NoError(t, err)
	assert.NotEqual(t, def.ID, next.ID, "a new version is a new catalog row")
	assert.Equal(t, 2, next.Version.Major)
	assert.Equal(t, 0, next.Version.Minor)
	assert.Equal(t, def.Name, next.Name)

	// The old row is untouched.
	old, err := svc.Get(ctx, testCompany, def.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version.Major)
	assert.Len(t, old.Graph.Nodes, 3)
}

func TestDefinitionServiceSoftDelete(t *testing.T) {
	ctx := context.Background()
	svc, def := newCatalog(t)

	require.NoError(t, svc.SoftDelete(ctx, testCompany, def.ID))

	_, err := svc.Get(ctx, testCompany, def.ID)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	defs, err := svc.List(ctx, testCompany)
	require.NoError(t, err)
	assert.Empty(t, defs)
}
