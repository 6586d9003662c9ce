package actionqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, opts Options) Store

func contractBackends(t *testing.T) map[string]storeFactory {
	t.Helper()
	backends := map[string]storeFactory{
		"memory": func(t *testing.T, opts Options) Store {
			return NewMemoryStore(opts)
		},
		"file": func(t *testing.T, opts Options) Store {
			store, err := NewFileStore(filepath.Join(t.TempDir(), "actions.json"), opts)
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T, opts Options) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "actions.db"), "", opts)
			require.NoError(t, err)
			return store
		},
	}
	if dsn := os.Getenv("DESKRELAY_TEST_POSTGRES_DSN"); dsn != "" {
		backends["postgres"] = func(t *testing.T, opts Options) Store {
			store, err := NewPostgresStore(dsn, fmt.Sprintf("contract_%s", t.Name()), opts)
			require.NoError(t, err)
			t.Cleanup(func() {
				items, _ := store.List(context.Background())
				for _, item := range items {
					_ = store.Remove(context.Background(), item.ID)
				}
			})
			return store
		}
	}
	return backends
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("ListPreservesEnqueueOrder", func(t *testing.T) {
				store := newStore(t, Options{})
				defer store.Close()
				ctx := context.Background()

				kinds := []string{"create_ticket", "add_comment", "update_status", "add_comment", "assign_ticket"}
				ids := make([]string, 0, len(kinds))
				for i, kind := range kinds {
					id, err := store.Enqueue(ctx, kind, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
					require.NoError(t, err)
					ids = append(ids, id)
				}

				items, err := store.List(ctx)
				require.NoError(t, err)
				require.Len(t, items, len(kinds))
				for i, item := range items {
					assert.Equal(t, ids[i], item.ID)
					assert.Equal(t, kinds[i], item.Kind)
					assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(item.Payload))
					assert.Zero(t, item.Attempts)
					assert.NotZero(t, item.EnqueuedAt)
				}
			})

			t.Run("ListDoesNotMutate", func(t *testing.T) {
				store := newStore(t, Options{})
				defer store.Close()
				ctx := context.Background()

				_, err := store.Enqueue(ctx, "create_ticket", json.RawMessage(`{"title":"printer"}`))
				require.NoError(t, err)

				first, err := store.List(ctx)
				require.NoError(t, err)
				first[0].Kind = "mutated"
				first[0].Payload[2] = 'X'

				second, err := store.List(ctx)
				require.NoError(t, err)
				assert.Equal(t, "create_ticket", second[0].Kind)
				assert.JSONEq(t, `{"title":"printer"}`, string(second[0].Payload))
			})

			t.Run("RemoveIsIdempotent", func(t *testing.T) {
				store := newStore(t, Options{})
				defer store.Close()
				ctx := context.Background()

				first, err := store.Enqueue(ctx, "create_ticket", nil)
				require.NoError(t, err)
				second, err := store.Enqueue(ctx, "add_comment", nil)
				require.NoError(t, err)

				require.NoError(t, store.Remove(ctx, first))
				require.NoError(t, store.Remove(ctx, first))
				require.NoError(t, store.Remove(ctx, "missing"))

				items, err := store.List(ctx)
				require.NoError(t, err)
				require.Len(t, items, 1)
				assert.Equal(t, second, items[0].ID)
				assert.Equal(t, "null", string(items[0].Payload))
			})

			t.Run("IncrementAttempts", func(t *testing.T) {
				store := newStore(t, Options{})
				defer store.Close()
				ctx := context.Background()

				id, err := store.Enqueue(ctx, "update_status", json.RawMessage(`{"status":"closed"}`))
				require.NoError(t, err)

				updated, err := store.IncrementAttempts(ctx, id, "http 503")
				require.NoError(t, err)
				assert.Equal(t, 1, updated.Attempts)
				assert.Equal(t, "http 503", updated.LastError)

				updated, err = store.IncrementAttempts(ctx, id, "http 502")
				require.NoError(t, err)
				assert.Equal(t, 2, updated.Attempts)

				items, err := store.List(ctx)
				require.NoError(t, err)
				require.Len(t, items, 1)
				assert.Equal(t, 2, items[0].Attempts)
				assert.Equal(t, "http 502", items[0].LastError)
				assert.Equal(t, "update_status", items[0].Kind)

				_, err = store.IncrementAttempts(ctx, "missing", "boom")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("EnqueueBeyondCapacityFails", func(t *testing.T) {
				store := newStore(t, Options{MaxActions: 2})
				defer store.Close()
				ctx := context.Background()

				_, err := store.Enqueue(ctx, "create_ticket", nil)
				require.NoError(t, err)
				_, err = store.Enqueue(ctx, "add_comment", nil)
				require.NoError(t, err)
				_, err = store.Enqueue(ctx, "add_comment", nil)
				require.ErrorIs(t, err, ErrStorageQuotaExceeded)

				items, err := store.List(ctx)
				require.NoError(t, err)
				assert.Len(t, items, 2)
			})

			t.Run("EnqueueRejectsInvalidInput", func(t *testing.T) {
				store := newStore(t, Options{})
				defer store.Close()
				ctx := context.Background()

				_, err := store.Enqueue(ctx, "  ", nil)
				assert.ErrorIs(t, err, ErrInvalidInput)
				_, err = store.Enqueue(ctx, "create_ticket", json.RawMessage(`{"broken"`))
				assert.ErrorIs(t, err, ErrInvalidInput)

				items, err := store.List(ctx)
				require.NoError(t, err)
				assert.Empty(t, items)
			})
		})
	}
}

func TestActionIDsSortByCreation(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()
	var previous string
	for i := 0; i < 50; i++ {
		id, err := store.Enqueue(ctx, "create_ticket", nil)
		require.NoError(t, err)
		if previous != "" {
			assert.Less(t, previous, id)
		}
		previous = id
	}
}

func TestClosedMemoryStoreRejectsOperations(t *testing.T) {
	store := NewMemoryStore(Options{})
	require.NoError(t, store.Close())
	_, err := store.Enqueue(context.Background(), "create_ticket", nil)
	assert.True(t, errors.Is(err, ErrClosed))
}
