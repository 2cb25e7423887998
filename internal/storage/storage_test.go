package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	in := record{Name: "alpha", Count: 3}
	require.NoError(t, store.Put(ctx, []string{"conversation", "agent1", "c1"}, in))

	var out record
	require.NoError(t, store.Get(ctx, []string{"conversation", "agent1", "c1"}, &out))
	assert.Equal(t, in, out)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store := New(t.TempDir())

	var out record
	err := store.Get(context.Background(), []string{"nope"}, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"x"}, record{Name: "x"}))
	require.NoError(t, store.Delete(ctx, []string{"x"}))
	require.NoError(t, store.Delete(ctx, []string{"x"}))

	var out record
	assert.ErrorIs(t, store.Get(ctx, []string{"x"}, &out), ErrNotFound)
}

func TestListReturnsKeysAndDirectories(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"message", "c1", "m1"}, record{}))
	require.NoError(t, store.Put(ctx, []string{"message", "c1", "m2"}, record{}))
	require.NoError(t, store.Put(ctx, []string{"message", "c2", "m1"}, record{}))

	convs, err := store.List(ctx, []string{"message"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, convs)

	msgs, err := store.List(ctx, []string{"message", "c1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, msgs)
}

func TestListMissingDirectory(t *testing.T) {
	store := New(t.TempDir())

	keys, err := store.List(context.Background(), []string{"absent"})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestScanVisitsEveryRecord(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"message", "c1", "m1"}, record{Name: "one"}))
	require.NoError(t, store.Put(ctx, []string{"message", "c1", "m2"}, record{Name: "two"}))

	seen := map[string]string{}
	err := store.Scan(ctx, []string{"message", "c1"}, func(key string, data json.RawMessage) error {
		var r record
		require.NoError(t, json.Unmarshal(data, &r))
		seen[key] = r.Name
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": "one", "m2": "two"}, seen)
}

func TestPutOverwrites(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, []string{"x"}, record{Count: 1}))
	require.NoError(t, store.Put(ctx, []string{"x"}, record{Count: 2}))

	var out record
	require.NoError(t, store.Get(ctx, []string{"x"}, &out))
	assert.Equal(t, 2, out.Count)
}
