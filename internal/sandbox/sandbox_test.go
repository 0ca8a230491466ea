package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu          sync.Mutex
	creates     int32
	pauses      []string
	resumes     []string
	deletes     []string
	failCreate  bool
	failProbe   bool
	createDelay time.Duration
}

func (f *fakeProvider) Create(ctx context.Context, userID, templateID string) (string, error) {
	atomic.AddInt32(&f.creates, 1)
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.failCreate {
		return "", errors.New("provider down")
	}
	return "prov-1", nil
}

func (f *fakeProvider) Connect(context.Context, string) error { return nil }

func (f *fakeProvider) Pause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, id)
	return nil
}

func (f *fakeProvider) Resume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, id)
	return nil
}

func (f *fakeProvider) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeProvider) ExposePort(_ context.Context, _ string, port int) (string, error) {
	if port == 6060 {
		return "https://mcp.example", nil
	}
	return "https://code.example", nil
}

func (f *fakeProvider) RunCmd(_ context.Context, _, cmd string, _ bool) (string, error) {
	return "ran:" + cmd, nil
}

func (f *fakeProvider) ReadFile(context.Context, string, string) (string, error) { return "data", nil }
func (f *fakeProvider) WriteFile(context.Context, string, string, string) error  { return nil }
func (f *fakeProvider) CreateDirectory(context.Context, string, string) error    { return nil }

func (f *fakeProvider) HealthProbe(context.Context, string) error {
	if f.failProbe {
		return errors.New("probe failed")
	}
	return nil
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]*Sandbox
}

func newMemStore() *memStore { return &memStore{rows: map[string]*Sandbox{}} }

func (s *memStore) Insert(_ context.Context, sb *Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sb
	s.rows[sb.SandboxID] = &cp
	return nil
}

func (s *memStore) Update(_ context.Context, sb *Sandbox) error {
	return s.Insert(context.Background(), sb)
}

func (s *memStore) Get(_ context.Context, sandboxID string) (*Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.rows[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (s *memStore) GetBySession(_ context.Context, userID, sessionID string) (*Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *Sandbox
	for _, sb := range s.rows {
		if sb.UserID == userID && sb.SessionID == sessionID {
			if newest == nil || sb.CreatedAt.After(newest.CreatedAt) {
				cp := *sb
				newest = &cp
			}
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

type recordingQueue struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	canceled  []string
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{scheduled: map[string]time.Time{}}
}

func (q *recordingQueue) Schedule(_ context.Context, sandboxID, action string, deliverAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[sandboxID+":"+action] = deliverAt
	return nil
}

func (q *recordingQueue) Cancel(_ context.Context, sandboxID, action string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.scheduled, sandboxID+":"+action)
	q.canceled = append(q.canceled, sandboxID+":"+action)
	return nil
}

func newTestController(p *fakeProvider) (*Controller, *memStore, *recordingQueue) {
	store := newMemStore()
	queue := newRecordingQueue()
	return NewController(p, store, queue, Config{
		TimeoutSeconds:            1800,
		PauseBeforeTimeoutSeconds: 300,
	}), store, queue
}

func TestGetOrCreateCoalescesConcurrentCalls(t *testing.T) {
	provider := &fakeProvider{createDelay: 20 * time.Millisecond}
	ctrl, _, _ := newTestController(provider)

	const n = 8
	results := make([]*Sandbox, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ctrl.GetOrCreate(context.Background(), "u", "s", "")
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.creates), "exactly one provider create")
	for _, sb := range results {
		require.NotNil(t, sb)
		assert.Equal(t, results[0].SandboxID, sb.SandboxID)
		assert.Equal(t, "https://mcp.example", sb.MCPURL)
	}
}

func TestGetOrCreateResumesPausedSandbox(t *testing.T) {
	provider := &fakeProvider{}
	ctrl, store, _ := newTestController(provider)

	sb, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.NoError(t, err)

	sb.Status = StatusPaused
	require.NoError(t, store.Update(context.Background(), sb))

	again, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.NoError(t, err)
	assert.Equal(t, sb.SandboxID, again.SandboxID)
	assert.Equal(t, StatusRunning, again.Status)
	assert.Equal(t, []string{"prov-1"}, provider.resumes)
	assert.Equal(t, int32(1), provider.creates)
}

func TestCreateFailureMarksFailed(t *testing.T) {
	provider := &fakeProvider{failCreate: true}
	ctrl, store, _ := newTestController(provider)

	_, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.Error(t, err)

	sb, err := store.GetBySession(context.Background(), "u", "s")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sb.Status)
}

func TestDeleteIsTerminal(t *testing.T) {
	provider := &fakeProvider{}
	ctrl, _, queue := newTestController(provider)

	sb, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.NoError(t, err)

	require.NoError(t, ctrl.Delete(context.Background(), sb.SandboxID))
	assert.Equal(t, []string{"prov-1"}, provider.deletes)

	_, err = ctrl.Connect(context.Background(), sb.SandboxID)
	require.Error(t, err)

	queue.mu.Lock()
	assert.Empty(t, queue.scheduled, "no queued action survives deletion")
	queue.mu.Unlock()

	// A late-delivered message must be a no-op on a deleted sandbox.
	require.NoError(t, ctrl.HandleQueueMessage(context.Background(), sb.SandboxID, "pause", time.Now().Add(time.Hour)))
	assert.Empty(t, provider.pauses)
}

func TestHandleQueueMessageIgnoresStaleDelivery(t *testing.T) {
	provider := &fakeProvider{}
	ctrl, _, _ := newTestController(provider)

	sb, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.NoError(t, err)

	// Delivery time before the sandbox's latest activity means the timer
	// predates a touch and must be dropped.
	stale := sb.LastActivityAt.Add(-time.Minute)
	require.NoError(t, ctrl.HandleQueueMessage(context.Background(), sb.SandboxID, "pause", stale))
	assert.Empty(t, provider.pauses)
}

func TestHandleQueueMessagePausesThenDeletes(t *testing.T) {
	provider := &fakeProvider{}
	ctrl, store, _ := newTestController(provider)

	sb, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.NoError(t, err)

	due := time.Now().Add(time.Hour)
	require.NoError(t, ctrl.HandleQueueMessage(context.Background(), sb.SandboxID, "pause", due))
	assert.Equal(t, []string{"prov-1"}, provider.pauses)

	got, err := store.Get(context.Background(), sb.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, ctrl.HandleQueueMessage(context.Background(), sb.SandboxID, "delete", due))
	got, err = store.Get(context.Background(), sb.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, got.Status)
}

func TestRunCmdRefreshesActivity(t *testing.T) {
	provider := &fakeProvider{}
	ctrl, store, queue := newTestController(provider)

	sb, err := ctrl.GetOrCreate(context.Background(), "u", "s", "")
	require.NoError(t, err)
	before, _ := store.Get(context.Background(), sb.SandboxID)

	time.Sleep(5 * time.Millisecond)
	out, err := ctrl.RunCmd(context.Background(), sb.SandboxID, "ls", false)
	require.NoError(t, err)
	assert.Equal(t, "ran:ls", out)

	after, _ := store.Get(context.Background(), sb.SandboxID)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))

	queue.mu.Lock()
	_, hasPause := queue.scheduled[sb.SandboxID+":pause"]
	_, hasDelete := queue.scheduled[sb.SandboxID+":delete"]
	queue.mu.Unlock()
	assert.True(t, hasPause)
	assert.True(t, hasDelete)
}

func TestSnapshotNameStableAndInputSensitive(t *testing.T) {
	a := SnapshotName("img:1", []string{"dep-b", "dep-a"}, []string{"mcp-x"})
	b := SnapshotName("img:1", []string{"dep-a", "dep-b"}, []string{"mcp-x"})
	c := SnapshotName("img:2", []string{"dep-a", "dep-b"}, []string{"mcp-x"})

	assert.Equal(t, a, b, "dependency order must not change the snapshot identity")
	assert.NotEqual(t, a, c)
}
