package actionqueue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	store, err := NewFileStore(path, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "create_ticket", json.RawMessage(`{"subject":"VPN down"}`))
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, "add_comment", json.RawMessage(`{"body":"still down"}`))
	require.NoError(t, err)
	_, err = store.IncrementAttempts(ctx, second, "timeout")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(path, Options{})
	require.NoError(t, err)
	items, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, second, items[1].ID)
	assert.Equal(t, 1, items[1].Attempts)
}

func TestFileStoreUsesPersistedEntryShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	store, err := NewFileStore(path, Options{})
	require.NoError(t, err)
	_, err = store.Enqueue(context.Background(), "update_status", json.RawMessage(`{"status":"pending"}`))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Actions []map[string]any `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Actions, 1)
	entry := doc.Actions[0]
	for _, key := range []string{"id", "kind", "payload", "enqueuedAt", "attempts"} {
		assert.Contains(t, entry, key)
	}
	assert.NotContains(t, entry, "lastError")
}

func TestFileStoreHandlesShareOneQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	tabA, err := NewFileStore(path, Options{})
	require.NoError(t, err)
	tabB, err := NewFileStore(path, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	a1, err := tabA.Enqueue(ctx, "create_ticket", nil)
	require.NoError(t, err)
	b1, err := tabB.Enqueue(ctx, "add_comment", nil)
	require.NoError(t, err)
	a2, err := tabA.Enqueue(ctx, "add_comment", nil)
	require.NoError(t, err)
	require.NoError(t, tabB.Remove(ctx, a1))

	items, err := tabA.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, b1, items[0].ID)
	assert.Equal(t, a2, items[1].ID)
}

func TestFileStoreByteQuotaRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	store, err := NewFileStore(path, Options{MaxBytes: 400})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Enqueue(ctx, "create_ticket", json.RawMessage(`{"subject":"small"}`))
	require.NoError(t, err)

	big := `{"body":"` + strings.Repeat("x", 500) + `"}`
	_, err = store.Enqueue(ctx, "add_comment", json.RawMessage(big))
	require.ErrorIs(t, err, ErrStorageQuotaExceeded)

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "create_ticket", items[0].Kind)
}

func TestFileStoreAttemptsPersistOnFullQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	store, err := NewFileStore(path, Options{MaxBytes: 1024})
	require.NoError(t, err)
	ctx := context.Background()

	filler := `{"body":"` + strings.Repeat("x", 800) + `"}`
	id, err := store.Enqueue(ctx, "add_comment", json.RawMessage(filler))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "add_comment", json.RawMessage(filler))
	require.ErrorIs(t, err, ErrStorageQuotaExceeded)

	updated, err := store.IncrementAttempts(ctx, id, strings.Repeat("<html>bad gateway</html>", 200))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)
	assert.Len(t, updated.LastError, MaxLastErrorBytes)

	reopened, err := NewFileStore(path, Options{MaxBytes: 1024})
	require.NoError(t, err)
	items, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Len(t, items[0].LastError, MaxLastErrorBytes)
}

func TestTruncateLastErrorKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncateLastError("short"))
	msg := strings.Repeat("a", MaxLastErrorBytes-1) + "é"
	got := truncateLastError(msg)
	assert.Equal(t, strings.Repeat("a", MaxLastErrorBytes-1), got)
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"actions":[`), 0o644))
	_, err := NewFileStore(path, Options{})
	require.Error(t, err)
}

func TestFileStoreWatchReportsOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	watched, err := NewFileStore(path, Options{})
	require.NoError(t, err)
	other, err := NewFileStore(path, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := watched.Watch(ctx)
	require.NoError(t, err)

	_, err = other.Enqueue(context.Background(), "create_ticket", nil)
	require.NoError(t, err)

	select {
	case _, ok := <-changes:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification after another handle wrote the queue")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
