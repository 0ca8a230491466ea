package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrt/internal/sandbox"
)

type fakeSandboxProvider struct{}

func (fakeSandboxProvider) Create(context.Context, string, string) (string, error) {
	return "prov-1", nil
}
func (fakeSandboxProvider) Connect(context.Context, string) error          { return nil }
func (fakeSandboxProvider) Pause(context.Context, string) error            { return nil }
func (fakeSandboxProvider) Resume(context.Context, string) error           { return nil }
func (fakeSandboxProvider) Delete(context.Context, string) error           { return nil }
func (fakeSandboxProvider) HealthProbe(context.Context, string) error      { return nil }
func (fakeSandboxProvider) CreateDirectory(context.Context, string, string) error { return nil }

func (fakeSandboxProvider) ExposePort(_ context.Context, _ string, port int) (string, error) {
	if port == 6060 {
		return "https://mcp.example", nil
	}
	return "https://code.example", nil
}

func (fakeSandboxProvider) RunCmd(_ context.Context, _, cmd string, _ bool) (string, error) {
	return "out:" + cmd, nil
}

func (fakeSandboxProvider) ReadFile(context.Context, string, string) (string, error) {
	return "file-content", nil
}

func (fakeSandboxProvider) WriteFile(context.Context, string, string, string) error { return nil }

type fakeSandboxStore struct {
	mu   sync.Mutex
	rows map[string]*sandbox.Sandbox
}

func (s *fakeSandboxStore) Insert(_ context.Context, sb *sandbox.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sb
	s.rows[sb.SandboxID] = &cp
	return nil
}

func (s *fakeSandboxStore) Update(ctx context.Context, sb *sandbox.Sandbox) error {
	return s.Insert(ctx, sb)
}

func (s *fakeSandboxStore) Get(_ context.Context, id string) (*sandbox.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.rows[id]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (s *fakeSandboxStore) GetBySession(_ context.Context, userID, sessionID string) (*sandbox.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sb := range s.rows {
		if sb.UserID == userID && sb.SessionID == sessionID {
			cp := *sb
			return &cp, nil
		}
	}
	return nil, sandbox.ErrNotFound
}

type noopQueue struct{}

func (noopQueue) Schedule(context.Context, string, string, time.Time) error { return nil }
func (noopQueue) Cancel(context.Context, string, string) error              { return nil }

func newSandboxTestServer() *Server {
	store := &fakeSandboxStore{rows: map[string]*sandbox.Sandbox{}}
	ctrl := sandbox.NewController(fakeSandboxProvider{}, store, noopQueue{}, sandbox.Config{})
	return New(&stubStreamer{}, ctrl, nil, nil, stubValidator{}, testConfig(), nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSandboxCreateReturnsURLs(t *testing.T) {
	srv := newSandboxTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/create", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["sandbox_id"])
	assert.Equal(t, "https://mcp.example", resp["mcp_url"])
	assert.Equal(t, "https://code.example", resp["vscode_url"])
	assert.Equal(t, "running", resp["status"])
}

func TestSandboxConnectUnknownIs404(t *testing.T) {
	srv := newSandboxTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/connect", map[string]any{"sandbox_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSandboxRunCmdRoundTrip(t *testing.T) {
	srv := newSandboxTestServer()

	created := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/create", map[string]any{"session_id": "s1"})
	var sb map[string]string
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &sb))

	rec := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/run-cmd", map[string]any{
		"sandbox_id": sb["sandbox_id"],
		"command":    "echo hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "out:echo hi", resp["output"])
}

func TestSandboxReadWriteFile(t *testing.T) {
	srv := newSandboxTestServer()

	created := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/create", map[string]any{"session_id": "s1"})
	var sb map[string]string
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &sb))

	rec := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/write-file", map[string]any{
		"sandbox_id": sb["sandbox_id"],
		"file_path":  "/tmp/a.txt",
		"content":    "hello",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/agent/sandboxes/read-file", map[string]any{
		"sandbox_id": sb["sandbox_id"],
		"file_path":  "/tmp/a.txt",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "file-content", resp["content"])

	rec = doJSON(t, srv, http.MethodPost, "/agent/sandboxes/write-file", map[string]any{
		"sandbox_id": sb["sandbox_id"],
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing file_path")
}

func TestSandboxDelete(t *testing.T) {
	srv := newSandboxTestServer()

	created := doJSON(t, srv, http.MethodPost, "/agent/sandboxes/create", map[string]any{"session_id": "s1"})
	var sb map[string]string
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &sb))

	rec := doJSON(t, srv, http.MethodDelete, "/agent/sandboxes/"+sb["sandbox_id"], nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/agent/sandboxes/connect", map[string]any{"sandbox_id": sb["sandbox_id"]})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
