package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentrt/internal/agui"
	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/checkpoint"
	"github.com/kadirpekel/agentrt/internal/llm"
	"github.com/kadirpekel/agentrt/internal/memory"
	"github.com/kadirpekel/agentrt/internal/model"
	"github.com/kadirpekel/agentrt/internal/observability"
)

// StreamEvent pairs an AG-UI event kind with its payload, the unit the
// producer goroutine writes to the event channel and the transport layer
// drains and flushes.
type StreamEvent struct {
	Kind  agui.Kind
	Event agui.Event
}

// Checkpointer is the durable-state seam the executor drives. The
// Postgres-backed checkpoint.Manager is the production implementation;
// tests supply an in-memory one.
type Checkpointer interface {
	LatestState(ctx context.Context, threadID string) (*model.GraphState, string, error)
	LatestCheckpointID(ctx context.Context, threadID string) string
	SaveStep(ctx context.Context, threadID, parentID string, state *model.GraphState, writes []checkpoint.Write, metadata map[string]any) (string, error)
	SaveInterrupt(ctx context.Context, threadID, parentID string, state *model.GraphState, interruptValue any) (string, error)
}

// MemoryStore is the optional cross-thread memory seam; the Postgres
// store in internal/memory is the production implementation.
type MemoryStore interface {
	Put(ctx context.Context, prefix, key string, value any) error
	Get(ctx context.Context, prefix, key string) (memory.Entry, error)
}

// Executor runs the fixed node graph against a thread's GraphState.
type Executor struct {
	checkpoints Checkpointer
	provider    llm.Provider
	tools       ToolRunner
	memory      MemoryStore
	metrics     *observability.Manager
}

// NewExecutor builds an Executor. tools may be nil when no tool runner is
// configured for a stream (AGENT_MCP_ENABLED=false).
func NewExecutor(checkpoints Checkpointer, provider llm.Provider, tools ToolRunner) *Executor {
	return &Executor{checkpoints: checkpoints, provider: provider, tools: tools}
}

// WithMemory attaches a cross-thread memory store. When set, the
// background investigator seeds each stream with the user's stored notes
// and completed streams record their final answer.
func (e *Executor) WithMemory(m MemoryStore) *Executor {
	e.memory = m
	return e
}

// WithMetrics attaches an observability.Manager for per-node span timing
// and per-kind AG-UI event counting. Passing nil (the zero value) disables
// instrumentation; every call site below is nil-safe.
func (e *Executor) WithMetrics(m *observability.Manager) *Executor {
	e.metrics = m
	return e
}

// GetState implements get_state(thread_id) -> (state, next_pending_node?).
func (e *Executor) GetState(ctx context.Context, threadID string) (*model.GraphState, string, error) {
	return e.checkpoints.LatestState(ctx, threadID)
}

// UpdateState applies an administrative repair patch to a thread's state;
// not used on the hot path.
func (e *Executor) UpdateState(ctx context.Context, threadID string, patch func(*model.GraphState)) error {
	state, _, err := e.checkpoints.LatestState(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			state = &model.GraphState{}
		} else {
			return err
		}
	}
	patch(state)
	parent := e.checkpoints.LatestCheckpointID(ctx, threadID)
	_, err = e.checkpoints.SaveStep(ctx, threadID, parent, state, nil, map[string]any{"phase": "admin_update"})
	return err
}

// Stream implements stream(thread_id, input, config) -> event sequence.
// The returned channel is closed when the stream ends, whether by END,
// interrupt, recursion exhaustion, or error. Events are produced on a
// separate goroutine; the caller (StreamAdapter) drains until closed.
func (e *Executor) Stream(ctx context.Context, in Input, cfg Config) (<-chan StreamEvent, error) {
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = DefaultRecursionLimit
	}
	if cfg.RecursionLimit > MaxRecursionLimit {
		cfg.RecursionLimit = MaxRecursionLimit
	}

	state, pending, err := e.loadOrInitState(ctx, cfg.ThreadID, in)
	if err != nil {
		return nil, err
	}

	startNode, err := e.resolveStartNode(in, pending, cfg)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 16)
	go e.run(ctx, state, startNode, in, cfg, out)
	return out, nil
}

func (e *Executor) loadOrInitState(ctx context.Context, threadID string, in Input) (*model.GraphState, string, error) {
	state, pending, err := e.checkpoints.LatestState(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &model.GraphState{Messages: in.Messages}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if in.Messages != nil {
		state.Messages = append(state.Messages, in.Messages...)
	}
	return state, pending, nil
}

func (e *Executor) resolveStartNode(in Input, pending string, cfg Config) (string, error) {
	if in.Resume != nil {
		switch pending {
		case NodeHumanFeedback:
			switch in.Resume.Type {
			case "approve":
				return NodeEnd, nil
			case "edit":
				return NodeBase, nil
			case "reject":
				return NodeEnd, nil
			default:
				return "", apperr.New(apperr.KindProviderFatal, fmt.Sprintf("unknown resume decision %q", in.Resume.Type))
			}
		case PendingToolAuthorization:
			switch in.Resume.Type {
			case "approve":
				return nodeResumePendingTools, nil
			case "reject":
				return nodeRejectPendingTools, nil
			default:
				return "", apperr.New(apperr.KindProviderFatal, fmt.Sprintf("decision %q not allowed for tool authorization", in.Resume.Type))
			}
		default:
			return "", apperr.New(apperr.KindProviderFatal, "resume requested but thread is not awaiting human input")
		}
	}
	if cfg.EnableBackgroundInvestigation {
		return NodeBackgroundInvestigator, nil
	}
	return NodeBase, nil
}

// run drives the node loop. It is the sole writer to out and always closes
// it before returning.
func (e *Executor) run(ctx context.Context, state *model.GraphState, start string, in Input, cfg Config, out chan<- StreamEvent) {
	defer close(out)

	tools := e.tools
	if cfg.Tools != nil {
		tools = cfg.Tools
	}

	messageID := uuid.NewString()
	rc := &runContext{
		ctx:       ctx,
		state:     state,
		cfg:       cfg,
		out:       out,
		provider:  e.provider,
		tools:     tools,
		messageID: messageID,
		remaining: cfg.RecursionLimit,
		metrics:   e.metrics,
		resume:    in.Resume,
		memory:    e.memory,
	}

	if cfg.Locale != "" {
		state.Locale = cfg.Locale
	}

	node := start
	parentCheckpoint := e.checkpoints.LatestCheckpointID(ctx, cfg.ThreadID)
	baseEntries := 0
	steps := 0

	// Resume with edit feedback folds into the message list before base
	// re-enters.
	if node == NodeBase {
		rc.applyResumeFeedback()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if node == NodeEnd {
			rc.emit(agui.KindMessageChunk, agui.Event{ThreadID: cfg.ThreadID, MessageID: messageID, FinishReason: agui.FinishStop})
			if rc.dirty {
				e.saveStep(ctx, cfg.ThreadID, parentCheckpoint, state, map[string]any{"phase": "end"})
			}
			rc.recordMemory()
			return
		}

		if rc.remaining <= 0 {
			rc.emit(agui.KindError, agui.ErrorEvent(cfg.ThreadID, "recursion_exhausted"))
			return
		}
		rc.remaining--
		steps++
		if node == NodeBase {
			baseEntries++
		}

		nodeStart := time.Now()
		var next string
		var nodeErr error
		switch node {
		case NodeBackgroundInvestigator:
			next, nodeErr = rc.runBackgroundInvestigator()
		case NodeBase:
			next, nodeErr = rc.runBase()
		case NodeHumanFeedback:
			next, nodeErr = rc.runHumanFeedback()
		case nodeResumePendingTools:
			next, nodeErr = rc.runPendingTools(false)
		case nodeRejectPendingTools:
			next, nodeErr = rc.runPendingTools(true)
		default:
			nodeErr = apperr.New(apperr.KindProviderFatal, fmt.Sprintf("unknown node %q", node))
		}
		if e.metrics != nil {
			e.metrics.NodeDuration.WithLabelValues(node).Observe(time.Since(nodeStart).Seconds())
		}

		if nodeErr != nil {
			if rc.interrupted {
				checkpointID, err := e.checkpoints.SaveInterrupt(ctx, cfg.ThreadID, parentCheckpoint, state, rc.interruptValue)
				if err != nil {
					slog.Error("save interrupt checkpoint failed", "thread_id", cfg.ThreadID, "error", err)
				}
				parentCheckpoint = checkpointID
				return
			}
			slog.Error("graph node failed", "node", node, "thread_id", cfg.ThreadID, "error", nodeErr)
			rc.emit(agui.KindError, agui.ErrorEvent(cfg.ThreadID, sanitize(nodeErr.Error())))
			return
		}

		if rc.dirty {
			parentCheckpoint = e.saveStep(ctx, cfg.ThreadID, parentCheckpoint, state, map[string]any{"phase": node})
			rc.dirty = false
		}

		// Iteration caps bound tool-driven re-entry independent of the
		// global recursion limit: past the plan cap, base hands off to
		// review; past the step cap, the stream completes.
		if next == NodeBase && cfg.MaxPlanIterations > 0 && baseEntries >= cfg.MaxPlanIterations {
			next = NodeHumanFeedback
		}
		if cfg.MaxStepNum > 0 && steps >= cfg.MaxStepNum && next != NodeEnd {
			next = NodeEnd
		}
		node = next
	}
}

func (e *Executor) saveStep(ctx context.Context, threadID, parent string, state *model.GraphState, meta map[string]any) string {
	id, err := e.checkpoints.SaveStep(ctx, threadID, parent, state, nil, meta)
	if err != nil {
		slog.Error("checkpoint save failed", "thread_id", threadID, "error", err)
		return parent
	}
	if e.metrics != nil {
		e.metrics.CheckpointWrites.Inc()
	}
	return id
}

// sanitize truncates error detail that might leak internals to the
// client.
func sanitize(msg string) string {
	const maxLen = 500
	if len(msg) > maxLen {
		return msg[:maxLen] + "...(truncated)"
	}
	return msg
}
