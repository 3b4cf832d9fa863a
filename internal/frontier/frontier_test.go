package frontier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.now
}

func TestEnqueueInsertsBatchAtFront(t *testing.T) {
	t.Parallel()

	f := New(&fakeClock{now: time.Unix(100, 0)})
	require.Equal(t, 2, f.Enqueue("https://example.com/a", "https://example.com/b"))
	require.Equal(t, 2, f.Enqueue("https://example.com/c", "https://example.com/d"))

	var order []string
	for {
		u, ok := f.Next()
		if !ok {
			break
		}
		order = append(order, u)
	}
	assert.Equal(t, []string{
		"https://example.com/c",
		"https://example.com/d",
		"https://example.com/a",
		"https://example.com/b",
	}, order)
}

func TestEnqueueSkipsDuplicatesVisitedAndInvalid(t *testing.T) {
	t.Parallel()

	f := New(nil)
	f.MarkVisited("https://example.com/seen")

	added := f.Enqueue(
		"https://example.com/new",
		"https://EXAMPLE.com/new#frag",
		"https://example.com/seen",
		"mailto:someone@example.com",
		"::",
	)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, f.Pending())

	assert.Equal(t, 0, f.Enqueue("https://example.com/new"))
}

func TestMarkVisitedIsIdempotentAndRemovesPending(t *testing.T) {
	t.Parallel()

	f := New(nil)
	f.Enqueue("https://example.com/a", "https://example.com/b")
	f.MarkVisited("https://example.com/b")
	f.MarkVisited("https://example.com/b")

	assert.Equal(t, 1, f.Visited())
	assert.Equal(t, 1, f.Pending())
	assert.True(t, f.IsVisited("https://example.com/b#x"))

	snap := f.Snapshot()
	assert.Equal(t, []string{"https://example.com/a"}, snap.PendingURLs)
}

func TestVisitedNeverReturnsToPending(t *testing.T) {
	t.Parallel()

	f := New(nil)
	f.Enqueue("https://example.com/a")
	u, ok := f.Next()
	require.True(t, ok)
	f.MarkVisited(u)

	f.Enqueue("https://example.com/a", "https://example.com/a/")
	snap := f.Snapshot()
	assert.NotContains(t, snap.PendingURLs, "https://example.com/a")
	assertDisjoint(t, snap)
}

func TestNextOnEmpty(t *testing.T) {
	t.Parallel()

	_, ok := New(nil).Next()
	assert.False(t, ok)
}

func TestRestoreReappliesInvariants(t *testing.T) {
	t.Parallel()

	f := New(nil)
	f.Restore(State{
		PendingURLs: []string{
			"https://example.com/a",
			"https://example.com/a",
			"https://example.com/done",
			"not a url",
			"https://example.com/b",
		},
		VisitedURLs: []string{"https://example.com/done", "https://example.com/done#top"},
		LastUpdate:  time.Unix(42, 0),
	})

	snap := f.Snapshot()
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, snap.PendingURLs)
	assert.Equal(t, []string{"https://example.com/done"}, snap.VisitedURLs)
	assert.Equal(t, time.Unix(42, 0), snap.LastUpdate)
	assertDisjoint(t, snap)
}

func TestSnapshotRestoreRoundTripKeepsOrder(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	f := New(clock)
	f.Enqueue("https://example.com/z", "https://example.com/y")
	f.MarkVisited("https://example.com/q")
	f.MarkVisited("https://example.com/b")

	g := New(clock)
	g.Restore(f.Snapshot())
	assert.Equal(t, f.Snapshot(), g.Snapshot())
	assert.Equal(t, []string{"https://example.com/b", "https://example.com/q"}, g.Snapshot().VisitedURLs)
}

func TestFileStoreMissingFileIsFreshStart(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "crawl_state.json"), zap.NewNop())
	require.NoError(t, err)

	st, found, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, st.PendingURLs)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "crawl_state.json")
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	in := State{
		PendingURLs: []string{"https://example.com/2", "https://example.com/1"},
		VisitedURLs: []string{"https://example.com/z", "https://example.com/a"},
		LastUpdate:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(context.Background(), in))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pending_urls"`)
	assert.Contains(t, string(raw), `"visited_urls"`)
	assert.Contains(t, string(raw), `"last_update"`)

	out, found, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in.PendingURLs, out.PendingURLs)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/z"}, out.VisitedURLs)
	assert.True(t, in.LastUpdate.Equal(out.LastUpdate))
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crawl_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	_, _, err = store.Load(context.Background())
	require.Error(t, err)
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore(" ", nil)
	require.Error(t, err)
}

func assertDisjoint(t *testing.T, s State) {
	t.Helper()
	visited := make(map[string]struct{}, len(s.VisitedURLs))
	for _, u := range s.VisitedURLs {
		visited[u] = struct{}{}
	}
	seen := make(map[string]struct{}, len(s.PendingURLs))
	for _, u := range s.PendingURLs {
		_, dup := seen[u]
		assert.False(t, dup, "duplicate pending url %s", u)
		seen[u] = struct{}{}
		_, v := visited[u]
		assert.False(t, v, "pending url %s is visited", u)
	}
}
