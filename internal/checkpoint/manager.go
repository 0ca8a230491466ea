package checkpoint

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentrt/internal/model"
)

// DefaultNamespace is the checkpoint namespace used when a caller does not
// need multiple parallel namespaces per thread.
const DefaultNamespace = "default"

// Manager orchestrates checkpoint writes around graph execution, stamping
// each save with the node-step phase that produced it.
type Manager struct {
	store *Store
}

// NewManager builds a Manager over a Store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// SaveStep persists GraphState as a new checkpoint after a graph step
// completes, so every emitted event's producing step is durably recorded
// before the next step runs. parentID is the previous checkpoint id, or
// "" for the first step.
func (m *Manager) SaveStep(ctx context.Context, threadID, parentID string, state *model.GraphState, writes []Write, metadata map[string]any) (string, error) {
	checkpointID := uuid.NewString()
	cp := &Checkpoint{
		ThreadID:     threadID,
		Namespace:    DefaultNamespace,
		CheckpointID: checkpointID,
		ParentID:     parentID,
		Type:         "step",
		State:        state,
		Metadata:     metadata,
	}
	if err := m.store.Save(ctx, cp, writes); err != nil {
		slog.Error("checkpoint save failed", "thread_id", threadID, "error", err)
		return "", err
	}
	return checkpointID, nil
}

// SaveInterrupt persists GraphState with the pending interrupt value
// attached to the human_feedback task, so a later resume can reload it.
func (m *Manager) SaveInterrupt(ctx context.Context, threadID, parentID string, state *model.GraphState, interruptValue any) (string, error) {
	return m.SaveStep(ctx, threadID, parentID, state, nil, map[string]any{
		"phase":          "human_feedback",
		"interrupt":      interruptValue,
		"awaiting_input": true,
	})
}

// LatestState loads the current GraphState and, if the latest checkpoint
// records a pending interrupt, the node it is pending on.
func (m *Manager) LatestState(ctx context.Context, threadID string) (*model.GraphState, string, error) {
	cp, err := m.store.Latest(ctx, threadID, DefaultNamespace)
	if err != nil {
		return nil, "", err
	}
	pending := ""
	if awaiting, _ := cp.Metadata["awaiting_input"].(bool); awaiting {
		pending = "human_feedback"
		if iv, ok := cp.Metadata["interrupt"].(map[string]any); ok {
			if kind, _ := iv["kind"].(string); kind == "tool_authorization" {
				pending = kind
			}
		}
	}
	return cp.State, pending, nil
}

// LatestCheckpointID returns the id of the newest checkpoint for a thread,
// used as the parent id for the next step, or "" if none exists yet.
func (m *Manager) LatestCheckpointID(ctx context.Context, threadID string) string {
	cp, err := m.store.Latest(ctx, threadID, DefaultNamespace)
	if err != nil {
		return ""
	}
	return cp.CheckpointID
}

// Clear removes every checkpoint for a thread. Unused on the hot path;
// kept for administrative repair.
func (m *Manager) Clear(ctx context.Context, threadID string) error {
	return m.store.Clear(ctx, threadID, DefaultNamespace)
}
