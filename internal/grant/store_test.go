package grant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	saved, err := store.Upsert(ctx, Grant{
		ProjectPath: "/work/proj",
		ToolKind:    "edit",
		ToolTitle:   "Edit files",
		Granted:     true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.NotZero(t, saved.CreatedAt)

	got, err := store.Get(ctx, "/work/proj", "edit")
	require.NoError(t, err)
	assert.True(t, got.Granted)
	assert.Equal(t, "Edit files", got.ToolTitle)
}

func TestGetMissing(t *testing.T) {
	store := newStore(t)

	_, err := store.Get(context.Background(), "/work/proj", "execute")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertOverwritesSameKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, Grant{ProjectPath: "/work/proj", ToolKind: "execute", Granted: true})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Grant{ProjectPath: "/work/proj", ToolKind: "execute", Granted: false})
	require.NoError(t, err)

	got, err := store.Get(ctx, "/work/proj", "execute")
	require.NoError(t, err)
	assert.False(t, got.Granted)

	grants, err := store.List(ctx, "/work/proj")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestUpsertDistinctKindsCoexist(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, Grant{ProjectPath: "/work/proj", ToolKind: "edit", Granted: true})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Grant{ProjectPath: "/work/proj", ToolKind: "execute", Granted: false})
	require.NoError(t, err)

	grants, err := store.List(ctx, "/work/proj")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	saved, err := store.Upsert(ctx, Grant{ProjectPath: "/work/proj", ToolKind: "fetch", Granted: true})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, saved.ID))
	require.NoError(t, store.Delete(ctx, saved.ID))
	require.NoError(t, store.Delete(ctx, "never-existed"))

	_, err = store.Get(ctx, "/work/proj", "fetch")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAllScopedToProject(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, Grant{ProjectPath: "/work/a", ToolKind: "edit", Granted: true})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Grant{ProjectPath: "/work/a", ToolKind: "execute", Granted: true})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Grant{ProjectPath: "/work/b", ToolKind: "edit", Granted: true})
	require.NoError(t, err)

	n, err := store.DeleteAll(ctx, "/work/a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	remaining, err := store.List(ctx, "/work/b")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestNormalizeProjectCollapsesEquivalentPaths(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, Grant{ProjectPath: "/work/proj", ToolKind: "edit", Granted: true})
	require.NoError(t, err)

	// Same project addressed with a redundant path segment.
	got, err := store.Get(ctx, "/work/proj/../proj", "edit")
	require.NoError(t, err)
	assert.True(t, got.Granted)
}

func TestNormalizeProject(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizeProject("/a/b/"))
	assert.Equal(t, "/a/b", NormalizeProject("/a/c/../b"))
	assert.Equal(t, "", NormalizeProject(""))
}
