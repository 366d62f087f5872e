package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomirror/convomirror/internal/localfs"
	"github.com/convomirror/convomirror/internal/state"
	"github.com/convomirror/convomirror/internal/types"
)

var engineIdentity = types.Identity{AccountID: "acct-1", Label: "user@example.com"}

// fakeCreds is an always-ready credential provider with a fixed identity.
type fakeCreds struct{}

func (fakeCreds) EnsureReady(context.Context) error { return nil }

func (fakeCreds) AuthHeaders(context.Context) (http.Header, error) { return http.Header{}, nil }

func (fakeCreds) Refresh(context.Context) error { return nil }

func (fakeCreds) Identity() (types.Identity, error) { return engineIdentity, nil }

// fakeRemote is an in-memory remote API with call counting.
type fakeRemote struct {
	mu           sync.Mutex
	personal     []types.ConversationSummary
	fetchErr     error
	listGate     chan struct{} // when set, ListPersonal blocks until closed
	listCalls    int
	fetchCalls   int
	resolveCalls int
}

func (f *fakeRemote) ListPersonal(_ context.Context, offset, limit int) (*types.ListPage, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	items := f.personal
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	page := &types.ListPage{Total: -1}
	if offset < len(items) {
		end := offset + limit
		if end > len(items) {
			end = len(items)
		}
		page.Items = items[offset:end]
	}
	return page, nil
}

func (f *fakeRemote) ListProject(context.Context, string, string, int) (*types.ListPage, string, error) {
	return &types.ListPage{Total: -1}, "", nil
}

func (f *fakeRemote) ListProjects(context.Context, string) (*types.ProjectPage, error) {
	return &types.ProjectPage{}, nil
}

func (f *fakeRemote) FetchConversation(_ context.Context, id, _ string) (*types.Conversation, error) {
	f.mu.Lock()
	f.fetchCalls++
	err := f.fetchErr
	items := f.personal
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.ID == id {
			return &types.Conversation{ID: id, Title: item.Title, UpdatedAt: item.UpdatedAt}, nil
		}
	}
	return nil, fmt.Errorf("conversation %s not found", id)
}

func (f *fakeRemote) ResolveAttachment(context.Context, types.AttachmentRef) (*types.AttachmentData, error) {
	f.mu.Lock()
	f.resolveCalls++
	f.mu.Unlock()
	return nil, errors.New("no attachments in this fixture")
}

func (f *fakeRemote) counts() (list, fetch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.fetchCalls
}

func summaryAt(id string, minutes int) types.ConversationSummary {
	return types.ConversationSummary{
		ID:        id,
		Title:     "Conversation " + id,
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute),
	}
}

func newTestEngine(t *testing.T, remote *fakeRemote) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	eng := New(remote, fakeCreds{}, Config{
		Root:          root,
		PageSize:      20,
		Concurrency:   2,
		RetryAttempts: 0,
		RetryBase:     time.Millisecond,
		LockTimeout:   5 * time.Second,
	}, nil, nil)
	return eng, root
}

func loadStateDoc(t *testing.T, root string) *state.Document {
	t.Helper()
	dir, err := localfs.OpenRoot(root)
	require.NoError(t, err)
	store, err := state.NewStore(dir, engineIdentity)
	require.NoError(t, err)
	doc, err := store.Load()
	require.NoError(t, err)
	return doc
}

func seedStateDoc(t *testing.T, root string, mutate func(*state.Document)) {
	t.Helper()
	dir, err := localfs.OpenRoot(root)
	require.NoError(t, err)
	store, err := state.NewStore(dir, engineIdentity)
	require.NoError(t, err)
	doc, err := store.Load()
	require.NoError(t, err)
	mutate(doc)
	require.NoError(t, store.Save(doc))
}

func TestRunCycleIncrementalPass(t *testing.T) {
	remote := &fakeRemote{personal: []types.ConversationSummary{summaryAt("conv-1", 150)}}
	eng, root := newTestEngine(t, remote)
	seedStateDoc(t, root, func(doc *state.Document) {
		doc.Conversations["conv-1"] = state.ConversationRecord{
			UpdateTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(100 * time.Minute),
		}
	})

	require.NoError(t, eng.RunCycle(context.Background(), false))

	_, fetches := remote.counts()
	assert.Equal(t, 1, fetches)
	doc := loadStateDoc(t, root)
	assert.Equal(t, summaryAt("conv-1", 150).UpdatedAt, doc.Conversations["conv-1"].UpdateTime)

	// Second cycle with no remote change fetches nothing.
	require.NoError(t, eng.RunCycle(context.Background(), false))
	_, fetches = remote.counts()
	assert.Equal(t, 1, fetches)
	assert.Equal(t, StatusIdle, eng.Snapshot().Status)
	assert.Equal(t, "No updates", eng.Snapshot().Message)
}

func TestRunCyclePersistsNewConversations(t *testing.T) {
	remote := &fakeRemote{personal: []types.ConversationSummary{
		summaryAt("conv-a", 10),
		summaryAt("conv-b", 20),
	}}
	eng, root := newTestEngine(t, remote)

	require.NoError(t, eng.RunCycle(context.Background(), false))

	for _, id := range []string{"conv-a", "conv-b"} {
		path := filepath.Join(root, engineIdentity.Label, "personal", "personal", id, "conversation.json")
		_, err := os.Stat(path)
		assert.NoError(t, err, "conversation %s must be on disk", id)
	}
	doc := loadStateDoc(t, root)
	assert.Len(t, doc.Conversations, 2)
	assert.Equal(t, "Synced 2 conversations", eng.Snapshot().Message)
}

func TestRunCycleReentrantTriggerIsNoOp(t *testing.T) {
	gate := make(chan struct{})
	remote := &fakeRemote{
		personal: []types.ConversationSummary{summaryAt("conv-a", 10)},
		listGate: gate,
	}
	eng, _ := newTestEngine(t, remote)

	done := make(chan error, 1)
	go func() { done <- eng.RunCycle(context.Background(), false) }()

	require.Eventually(t, func() bool {
		list, _ := remote.counts()
		return list > 0
	}, 2*time.Second, 5*time.Millisecond)

	// A trigger while the first cycle is mid-flight does nothing.
	require.NoError(t, eng.RunCycle(context.Background(), false))
	list, _ := remote.counts()
	assert.Equal(t, 1, list)

	close(gate)
	require.NoError(t, <-done)
}

func TestRunCycleErrorsAreNotSticky(t *testing.T) {
	remote := &fakeRemote{
		personal: []types.ConversationSummary{summaryAt("conv-a", 10)},
		fetchErr: errors.New("remote exploded"),
	}
	eng, _ := newTestEngine(t, remote)

	err := eng.RunCycle(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, StatusError, eng.Snapshot().Status)
	assert.Contains(t, eng.Snapshot().LastError, "remote exploded")

	remote.mu.Lock()
	remote.fetchErr = nil
	remote.mu.Unlock()

	require.NoError(t, eng.RunCycle(context.Background(), false))
	note := eng.Snapshot()
	assert.Equal(t, StatusIdle, note.Status)
	assert.Empty(t, note.LastError)
}

func TestRunCycleWithoutRootIsDisabled(t *testing.T) {
	eng := New(&fakeRemote{}, fakeCreds{}, Config{Root: ""}, nil, nil)
	err := eng.RunCycle(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, StatusDisabled, eng.Snapshot().Status)
}

func TestConcurrentCyclesDoNotLoseUpdates(t *testing.T) {
	root := t.TempDir()
	newEngine := func(remote *fakeRemote) *Engine {
		return New(remote, fakeCreds{}, Config{
			Root:        root,
			PageSize:    20,
			Concurrency: 2,
			RetryBase:   time.Millisecond,
			LockTimeout: 5 * time.Second,
		}, nil, nil)
	}
	engA := newEngine(&fakeRemote{personal: []types.ConversationSummary{summaryAt("conv-a", 10)}})
	engB := newEngine(&fakeRemote{personal: []types.ConversationSummary{summaryAt("conv-b", 20)}})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = engA.RunCycle(context.Background(), false) }()
	go func() { defer wg.Done(); errs[1] = engB.RunCycle(context.Background(), false) }()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Both instances' writes survive: the state lock serialized their
	// read-modify-write sequences.
	doc := loadStateDoc(t, root)
	assert.Contains(t, doc.Conversations, "conv-a")
	assert.Contains(t, doc.Conversations, "conv-b")
}

func TestSubscribeDeliversCurrentStateAndChanges(t *testing.T) {
	remote := &fakeRemote{personal: []types.ConversationSummary{summaryAt("conv-a", 10)}}
	eng, _ := newTestEngine(t, remote)

	var mu sync.Mutex
	var seen []Status
	eng.Subscribe(func(n Notification) {
		mu.Lock()
		seen = append(seen, n.Status)
		mu.Unlock()
	})

	require.NoError(t, eng.RunCycle(context.Background(), false))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, StatusIdle, seen[0], "subscription must deliver the current state first")
	assert.Contains(t, seen, StatusChecking)
	assert.Contains(t, seen, StatusSaving)
	assert.Equal(t, StatusIdle, seen[len(seen)-1])
}
