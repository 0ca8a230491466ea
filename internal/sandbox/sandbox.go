// Package sandbox manages the lifecycle of per-user compute sandboxes
// across a pluggable provider: session-sticky reuse, single-flight create
// coalescing, and Redis-backed delayed pause/delete scheduling.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/observability"
)

// Status is a sandbox lifecycle state.
type Status string

const (
	StatusNone         Status = "none"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusDeleted      Status = "deleted"
	StatusFailed       Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusDeleted || s == StatusFailed
}

// Sandbox is the persisted sandbox metadata record.
type Sandbox struct {
	SandboxID         string
	ProviderSandboxID string
	UserID            string
	SessionID         string
	Status            Status
	MCPURL            string
	VSCodeURL         string
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// Provider is the pluggable compute backend. Calls may block; the
// Controller only invokes them from request or consumer goroutines.
type Provider interface {
	Create(ctx context.Context, userID, templateID string) (providerSandboxID string, err error)
	Connect(ctx context.Context, providerSandboxID string) error
	Pause(ctx context.Context, providerSandboxID string) error
	Resume(ctx context.Context, providerSandboxID string) error
	Delete(ctx context.Context, providerSandboxID string) error
	ExposePort(ctx context.Context, providerSandboxID string, port int) (publicURL string, err error)
	RunCmd(ctx context.Context, providerSandboxID, cmd string, background bool) (output string, err error)
	ReadFile(ctx context.Context, providerSandboxID, path string) (content string, err error)
	WriteFile(ctx context.Context, providerSandboxID, path, content string) error
	CreateDirectory(ctx context.Context, providerSandboxID, path string) error
	HealthProbe(ctx context.Context, mcpURL string) error
}

// Store persists sandbox metadata.
type Store interface {
	Insert(ctx context.Context, sb *Sandbox) error
	Update(ctx context.Context, sb *Sandbox) error
	Get(ctx context.Context, sandboxID string) (*Sandbox, error)
	GetBySession(ctx context.Context, userID, sessionID string) (*Sandbox, error)
}

// Queue schedules delayed pause/delete messages.
type Queue interface {
	Schedule(ctx context.Context, sandboxID string, action string, deliverAt time.Time) error
	Cancel(ctx context.Context, sandboxID string, action string) error
}

// Config configures port defaults and idle timeouts.
type Config struct {
	MCPServerPort              int
	CodeServerPort              int
	TimeoutSeconds              int
	PauseBeforeTimeoutSeconds   int
	HealthProbeDeadline         time.Duration
}

// Controller is the SandboxController.
type Controller struct {
	provider Provider
	store    Store
	queue    Queue
	cfg      Config
	flight   singleflight.Group
	metrics  *observability.Manager
}

// WithMetrics attaches an observability.Manager; the active-sandboxes
// gauge rises when create brings a sandbox to running and falls when
// Delete removes one. Passing nil disables it.
func (c *Controller) WithMetrics(m *observability.Manager) *Controller {
	c.metrics = m
	return c
}

// NewController builds a Controller.
func NewController(provider Provider, store Store, queue Queue, cfg Config) *Controller {
	if cfg.HealthProbeDeadline == 0 {
		cfg.HealthProbeDeadline = 60 * time.Second
	}
	if cfg.MCPServerPort == 0 {
		cfg.MCPServerPort = 6060
	}
	if cfg.CodeServerPort == 0 {
		cfg.CodeServerPort = 9000
	}
	return &Controller{provider: provider, store: store, queue: queue, cfg: cfg}
}

// GetOrCreate returns the session's sandbox, reusing a running, paused,
// or stopped one when possible. Concurrent calls for the same
// (user, session) coalesce through a keyed single-flight barrier into a
// single provider create.
func (c *Controller) GetOrCreate(ctx context.Context, userID, sessionID, templateID string) (*Sandbox, error) {
	key := userID + ":" + sessionID
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.getOrCreate(ctx, userID, sessionID, templateID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Sandbox), nil
}

func (c *Controller) getOrCreate(ctx context.Context, userID, sessionID, templateID string) (*Sandbox, error) {
	existing, err := c.store.GetBySession(ctx, userID, sessionID)
	if err != nil && err != ErrNotFound {
		return nil, apperr.Wrap(apperr.KindSandboxNotFound, "lookup session sandbox", err)
	}

	if existing != nil {
		switch existing.Status {
		case StatusRunning:
			if err := c.ensureFreshUsable(ctx, existing); err == nil {
				c.touch(ctx, existing)
				return existing, nil
			}
		case StatusPaused:
			if err := c.provider.Resume(ctx, existing.ProviderSandboxID); err == nil {
				existing.Status = StatusRunning
				c.persist(ctx, existing)
				c.touch(ctx, existing)
				return existing, nil
			}
		case StatusStopped:
			// Fast path: restart without reinstalling files/tools.
			if err := c.provider.Resume(ctx, existing.ProviderSandboxID); err == nil {
				existing.Status = StatusRunning
				c.persist(ctx, existing)
				c.touch(ctx, existing)
				return existing, nil
			}
		}
	}

	return c.create(ctx, userID, sessionID, templateID)
}

func (c *Controller) create(ctx context.Context, userID, sessionID, templateID string) (*Sandbox, error) {
	sb := &Sandbox{
		SandboxID:      newSandboxID(),
		UserID:         userID,
		SessionID:      sessionID,
		Status:         StatusInitializing,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := c.store.Insert(ctx, sb); err != nil {
		return nil, apperr.Wrap(apperr.KindSandboxNotInitialized, "persist new sandbox", err)
	}

	providerID, err := c.provider.Create(ctx, userID, templateID)
	if err != nil {
		sb.Status = StatusFailed
		c.persist(ctx, sb)
		return nil, apperr.Wrap(apperr.KindSandboxNotInitialized, "provider create", err)
	}
	sb.ProviderSandboxID = providerID

	mcpURL, err := c.provider.ExposePort(ctx, providerID, c.cfg.MCPServerPort)
	if err != nil {
		sb.Status = StatusFailed
		c.persist(ctx, sb)
		return nil, apperr.Wrap(apperr.KindSandboxNotInitialized, "expose mcp port", err)
	}
	vscodeURL, err := c.provider.ExposePort(ctx, providerID, c.cfg.CodeServerPort)
	if err != nil {
		sb.Status = StatusFailed
		c.persist(ctx, sb)
		return nil, apperr.Wrap(apperr.KindSandboxNotInitialized, "expose code-server port", err)
	}
	sb.MCPURL = mcpURL
	sb.VSCodeURL = vscodeURL
	sb.Status = StatusRunning
	c.persist(ctx, sb)
	if c.metrics != nil {
		c.metrics.SandboxesActive.Inc()
	}

	if err := c.ensureFreshUsable(ctx, sb); err != nil {
		return nil, err
	}
	c.touch(ctx, sb)
	return sb, nil
}

// ensureFreshUsable treats a sandbox as usable only once its MCP tool
// endpoint answers a health probe within the configured deadline.
func (c *Controller) ensureFreshUsable(ctx context.Context, sb *Sandbox) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthProbeDeadline)
	defer cancel()
	if err := c.provider.HealthProbe(probeCtx, sb.MCPURL); err != nil {
		return apperr.Wrap(apperr.KindSandboxTimeout, "mcp health probe", err)
	}
	return nil
}

// touch records activity and reschedules the pause/delete timers,
// superseding any previously scheduled message for this sandbox.
func (c *Controller) touch(ctx context.Context, sb *Sandbox) {
	sb.LastActivityAt = time.Now()
	c.persist(ctx, sb)

	if c.queue == nil || c.cfg.TimeoutSeconds <= 0 {
		return
	}
	pauseAt := sb.LastActivityAt.Add(time.Duration(c.cfg.TimeoutSeconds-c.cfg.PauseBeforeTimeoutSeconds) * time.Second)
	_ = c.queue.Cancel(ctx, sb.SandboxID, "pause")
	_ = c.queue.Schedule(ctx, sb.SandboxID, "pause", pauseAt)

	deleteAt := sb.LastActivityAt.Add(time.Duration(c.cfg.TimeoutSeconds) * time.Second)
	_ = c.queue.Cancel(ctx, sb.SandboxID, "delete")
	_ = c.queue.Schedule(ctx, sb.SandboxID, "delete", deleteAt)
}

func (c *Controller) persist(ctx context.Context, sb *Sandbox) {
	_ = c.store.Update(ctx, sb)
}

// Connect reconnects to an existing sandbox by id.
func (c *Controller) Connect(ctx context.Context, sandboxID string) (*Sandbox, error) {
	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandboxNotFound, "connect", err)
	}
	if sb.Status.terminal() {
		return nil, apperr.New(apperr.KindSandboxNotFound, fmt.Sprintf("sandbox %s is %s", sandboxID, sb.Status))
	}
	if err := c.provider.Connect(ctx, sb.ProviderSandboxID); err != nil {
		return nil, apperr.Wrap(apperr.KindSandboxAuth, "provider connect", err)
	}
	c.touch(ctx, sb)
	return sb, nil
}

// Delete transitions a sandbox to DELETED, a terminal state: any later
// Connect reports it missing, and its pending queue messages are canceled
// so no scheduled action re-runs against it.
func (c *Controller) Delete(ctx context.Context, sandboxID string) error {
	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return apperr.Wrap(apperr.KindSandboxNotFound, "delete", err)
	}
	if err := c.provider.Delete(ctx, sb.ProviderSandboxID); err != nil {
		return apperr.Wrap(apperr.KindSandboxNotFound, "provider delete", err)
	}
	sb.Status = StatusDeleted
	c.persist(ctx, sb)
	if c.metrics != nil {
		c.metrics.SandboxesActive.Dec()
	}
	if c.queue != nil {
		_ = c.queue.Cancel(ctx, sb.SandboxID, "pause")
		_ = c.queue.Cancel(ctx, sb.SandboxID, "delete")
	}
	return nil
}

// RunCmd executes a command inside a running sandbox, refreshing its
// activity timers on success.
func (c *Controller) RunCmd(ctx context.Context, sandboxID, command string, background bool) (string, error) {
	sb, err := c.lookupRunning(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	output, err := c.provider.RunCmd(ctx, sb.ProviderSandboxID, command, background)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSandboxTimeout, "run cmd", err)
	}
	c.touch(ctx, sb)
	return output, nil
}

// ReadFile reads a file from a running sandbox.
func (c *Controller) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	sb, err := c.lookupRunning(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	content, err := c.provider.ReadFile(ctx, sb.ProviderSandboxID, path)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSandboxNotFound, "read file", err)
	}
	c.touch(ctx, sb)
	return content, nil
}

// WriteFile writes a file into a running sandbox.
func (c *Controller) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	sb, err := c.lookupRunning(ctx, sandboxID)
	if err != nil {
		return err
	}
	if err := c.provider.WriteFile(ctx, sb.ProviderSandboxID, path, content); err != nil {
		return apperr.Wrap(apperr.KindSandboxNotFound, "write file", err)
	}
	c.touch(ctx, sb)
	return nil
}

func (c *Controller) lookupRunning(ctx context.Context, sandboxID string) (*Sandbox, error) {
	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandboxNotFound, "lookup sandbox", err)
	}
	if sb.Status.terminal() {
		return nil, apperr.New(apperr.KindSandboxNotFound, fmt.Sprintf("sandbox %s is %s", sandboxID, sb.Status))
	}
	return sb, nil
}

// HandleQueueMessage processes one delivered delay-queue message,
// dropping any whose delivery time predates the sandbox's most recent
// activity.
func (c *Controller) HandleQueueMessage(ctx context.Context, sandboxID, action string, deliverAt time.Time) error {
	sb, err := c.store.Get(ctx, sandboxID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if sb.Status.terminal() {
		return nil
	}
	if deliverAt.Before(sb.LastActivityAt) {
		return nil
	}

	switch action {
	case "pause":
		if sb.Status != StatusRunning {
			return nil
		}
		if err := c.provider.Pause(ctx, sb.ProviderSandboxID); err != nil {
			return err
		}
		sb.Status = StatusPaused
		c.persist(ctx, sb)
	case "delete":
		if sb.Status != StatusPaused {
			return nil
		}
		return c.Delete(ctx, sandboxID)
	}
	return nil
}
