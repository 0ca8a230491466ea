package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentrt/internal/agui"
	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/llm"
	"github.com/kadirpekel/agentrt/internal/model"
	"github.com/kadirpekel/agentrt/internal/observability"
)

// errInterrupted is a sentinel cause returned by a node to unwind the run
// loop when interrupt() was called; the actual request is carried on
// runContext, not the error itself, since the run loop needs the request
// value to build the checkpoint and the interrupt event.
var errInterrupted = fmt.Errorf("graph: interrupted")

// runContext holds the mutable state threaded through one stream() call's
// node loop.
type runContext struct {
	ctx       context.Context
	state     *model.GraphState
	cfg       Config
	out       chan<- StreamEvent
	provider  llm.Provider
	tools     ToolRunner
	messageID string
	remaining int
	metrics   *observability.Manager

	resume *ResumeDecision
	memory MemoryStore

	// dirty marks that the current node mutated state, so the run loop
	// knows a checkpoint is due; pass-through nodes write nothing.
	dirty bool

	interrupted     bool
	interruptValue  *InterruptRequest
}

func (rc *runContext) emit(kind agui.Kind, ev agui.Event) {
	if rc.metrics != nil {
		rc.metrics.StreamEvents.WithLabelValues(string(kind)).Inc()
	}
	select {
	case rc.out <- StreamEvent{Kind: kind, Event: ev}:
	case <-rc.ctx.Done():
	}
}

// applyResumeFeedback folds an edit decision's feedback onto the last user
// message. Only an edit resume starts at base; approve (which "accepted"
// maps to) and reject resume at END, so their feedback is not folded.
func (rc *runContext) applyResumeFeedback() {
	if rc.cfg.InterruptFeedback == "" {
		return
	}
	rc.foldFeedbackIntoLastUserMessage(rc.cfg.InterruptFeedback)
}

func (rc *runContext) foldFeedbackIntoLastUserMessage(feedback string) {
	for i := len(rc.state.Messages) - 1; i >= 0; i-- {
		if rc.state.Messages[i].Role == model.RoleUser {
			rc.state.Messages[i].ContentBlocks = append(rc.state.Messages[i].ContentBlocks, model.ContentBlock{
				Type: model.BlockText,
				Text: "\n\n[feedback] " + feedback,
			})
			rc.dirty = true
			return
		}
	}
}

// runBackgroundInvestigator implements the optional background
// investigation step; when disabled, control falls straight through to
// base.
func (rc *runContext) runBackgroundInvestigator() (string, error) {
	if !rc.cfg.EnableBackgroundInvestigation {
		return NodeBase, nil
	}

	// Seed the stream with the user's cross-thread notes, when any exist.
	if rc.memory != nil && rc.cfg.UserID != "" {
		entry, err := rc.memory.Get(rc.ctx, memoryPrefix(rc.cfg.UserID), "notes")
		if err == nil && len(entry.Value) > 0 {
			var notes string
			if json.Unmarshal(entry.Value, &notes) == nil && notes != "" {
				rc.state.Messages = append(rc.state.Messages, model.Message{
					ID:            uuid.NewString(),
					Role:          model.RoleSystem,
					ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: "Background notes for this user:\n" + notes}},
				})
			}
		}
	}

	rc.state.SetExtension(model.ExtBackgroundInvestigated, true)
	rc.dirty = true
	return NodeBase, nil
}

// recordMemory stores the completed stream's final assistant answer under
// the user's memory prefix, keyed by thread, so later threads can recall
// it. Failures only log; memory is advisory.
func (rc *runContext) recordMemory() {
	if rc.memory == nil || rc.cfg.UserID == "" {
		return
	}
	for i := len(rc.state.Messages) - 1; i >= 0; i-- {
		m := rc.state.Messages[i]
		if m.Role == model.RoleAssistant && m.Text() != "" {
			if err := rc.memory.Put(rc.ctx, memoryPrefix(rc.cfg.UserID), rc.cfg.ThreadID, m.Text()); err != nil {
				slog.Warn("memory store write failed", "thread_id", rc.cfg.ThreadID, "error", err)
			}
			return
		}
	}
}

func memoryPrefix(userID string) string {
	return "agent_memory:" + userID
}

// runBase streams one LLM turn, reassembling tool-call chunks into AG-UI
// events, then either dispatches tool calls (re-entering base after
// results) or completes the assistant turn and advances to
// human_feedback.
func (rc *runContext) runBase() (string, error) {
	req := rc.buildRequest()

	stream, err := rc.provider.StreamChat(rc.ctx, req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindProviderTransient, "llm stream start", err)
	}

	reasm := NewReassembler(func(index int, have, got string) {
		rc.emit(agui.KindError, agui.ErrorEvent(rc.cfg.ThreadID,
			fmt.Sprintf("tool call name mismatch at index %d: had %q, got %q", index, have, got)))
	})

	var assistantText string
	reasoningOpen := false

	for chunk := range stream {
		switch chunk.Kind {
		case llm.ChunkText:
			assistantText += chunk.Text
			rc.emit(agui.KindMessageChunk, agui.MessageChunk(rc.cfg.ThreadID, rc.messageID, "assistant", chunk.Text, ""))

		case llm.ChunkReasoning:
			if !reasoningOpen {
				rc.emit(agui.KindReasoningStart, agui.Event{ThreadID: rc.cfg.ThreadID, MessageID: rc.messageID, Role: "assistant"})
				rc.emit(agui.KindReasoningMsgStart, agui.Event{ThreadID: rc.cfg.ThreadID, MessageID: rc.messageID, Role: "assistant"})
				reasoningOpen = true
			}
			rc.emit(agui.KindReasoningMsgContent, agui.Event{ThreadID: rc.cfg.ThreadID, MessageID: rc.messageID, Delta: chunk.Text})

		case llm.ChunkToolCall:
			idx := reasm.Add(RawToolCallChunk{Index: chunk.ToolCall.Index, ID: chunk.ToolCall.ID, Name: chunk.ToolCall.Name, Args: chunk.ToolCall.Args})
			rc.emit(agui.KindToolCallChunks, agui.ToolCallChunksEvent(rc.cfg.ThreadID, rc.messageID, []agui.ToolCallChunk{
				{Index: idx, ID: chunk.ToolCall.ID, Name: chunk.ToolCall.Name, ArgsDelta: chunk.ToolCall.Args},
			}))

		case llm.ChunkError:
			return "", apperr.Wrap(apperr.KindProviderTransient, "llm stream", chunk.Err)
		}
	}

	if reasoningOpen {
		rc.emit(agui.KindReasoningMsgEnd, agui.Event{ThreadID: rc.cfg.ThreadID, MessageID: rc.messageID})
		rc.emit(agui.KindReasoningEnd, agui.Event{ThreadID: rc.cfg.ThreadID, MessageID: rc.messageID})
	}

	groups := reasm.Snapshot()
	if len(groups) == 0 {
		rc.state.Messages = append(rc.state.Messages, model.Message{
			ID:            uuid.NewString(),
			Role:          model.RoleAssistant,
			ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: assistantText}},
		})
		rc.dirty = true
		return NodeHumanFeedback, nil
	}

	calls := make([]agui.ToolCallDone, 0, len(groups))
	toolCalls := make([]model.ToolCallRequest, 0, len(groups))
	for _, g := range groups {
		calls = append(calls, agui.ToolCallDone{ID: g.ID, Name: g.Name, ArgsJSON: g.Args})
		toolCalls = append(toolCalls, model.ToolCallRequest{ID: g.ID, Name: g.Name, Args: g.Args})
	}
	rc.emit(agui.KindToolCalls, agui.ToolCallsEvent(rc.cfg.ThreadID, rc.messageID, calls))

	rc.state.Messages = append(rc.state.Messages, model.Message{
		ID:            uuid.NewString(),
		Role:          model.RoleAssistant,
		ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: assistantText}},
		ToolCalls:     toolCalls,
	})
	rc.dirty = true

	for _, g := range groups {
		if rc.requiresToolAuthorization(g.Name) {
			rc.interrupted = true
			rc.interruptValue = &InterruptRequest{
				Kind:             "tool_authorization",
				AllowedDecisions: []string{"approve", "reject"},
				ActionRequest:    &ActionRequest{ToolName: g.Name, ArgsJSON: g.Args},
			}
			rc.emit(agui.KindInterrupt, agui.InterruptEvent(rc.cfg.ThreadID, g.ID, rc.interruptValue, rc.interruptValue.AllowedDecisions))
			return "", errInterrupted
		}

		if rc.tools == nil {
			return "", apperr.New(apperr.KindToolError, "no tool runner configured")
		}
		content, isError, err := rc.tools.RunTool(rc.ctx, g.Name, g.Args)
		if err != nil {
			return "", apperr.Wrap(apperr.KindProviderTransient, "tool call transport", err)
		}
		rc.emit(agui.KindToolCallResult, agui.ToolCallResultEvent(rc.cfg.ThreadID, g.ID, content))
		rc.state.Messages = append(rc.state.Messages, model.Message{
			ID:            uuid.NewString(),
			Role:          model.RoleTool,
			ToolCallID:    g.ID,
			ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: content}},
		})
		_ = isError // tool errors are reported as result content; the graph continues regardless
	}

	return NodeBase, nil
}

// requiresToolAuthorization reports whether a tool needs human
// authorization before it runs: either the config's interrupt_before_tools
// list names it, or its confirmation policy is non-auto.
func (rc *runContext) requiresToolAuthorization(name string) bool {
	for _, n := range rc.cfg.InterruptBeforeTools {
		if n == name {
			return true
		}
	}
	if rc.tools == nil {
		return false
	}
	return rc.tools.ConfirmationPolicy(name) != "auto" && rc.tools.ConfirmationPolicy(name) != ""
}

// runPendingTools resolves the tool calls a tool-authorization interrupt
// left pending: on approve they run for real; on reject each receives a
// synthetic result carrying the rejection reason. Either way control
// falls back into base so the model sees the results.
func (rc *runContext) runPendingTools(rejected bool) (string, error) {
	pending := rc.pendingToolCalls()
	if len(pending) == 0 {
		return NodeBase, nil
	}

	for _, call := range pending {
		var content string
		if rejected {
			reason := "rejected by user"
			if rc.resume != nil && rc.resume.Reason != "" {
				reason = rc.resume.Reason
			}
			content = "Tool call rejected: " + reason
		} else {
			if rc.tools == nil {
				return "", apperr.New(apperr.KindToolError, "no tool runner configured")
			}
			result, _, err := rc.tools.RunTool(rc.ctx, call.Name, call.Args)
			if err != nil {
				return "", apperr.Wrap(apperr.KindProviderTransient, "tool call transport", err)
			}
			content = result
		}

		rc.emit(agui.KindToolCallResult, agui.ToolCallResultEvent(rc.cfg.ThreadID, call.ID, content))
		rc.state.Messages = append(rc.state.Messages, model.Message{
			ID:            uuid.NewString(),
			Role:          model.RoleTool,
			ToolCallID:    call.ID,
			ContentBlocks: []model.ContentBlock{{Type: model.BlockText, Text: content}},
		})
		rc.dirty = true
	}
	return NodeBase, nil
}

// pendingToolCalls returns the newest assistant message's tool calls that
// have no matching tool result yet.
func (rc *runContext) pendingToolCalls() []model.ToolCallRequest {
	answered := map[string]bool{}
	for i := len(rc.state.Messages) - 1; i >= 0; i-- {
		m := rc.state.Messages[i]
		if m.Role == model.RoleTool {
			answered[m.ToolCallID] = true
			continue
		}
		if m.Role == model.RoleAssistant && len(m.ToolCalls) > 0 {
			var pending []model.ToolCallRequest
			for _, call := range m.ToolCalls {
				if !answered[call.ID] {
					pending = append(pending, call)
				}
			}
			return pending
		}
	}
	return nil
}

// runHumanFeedback implements the plan-review gate. When the caller
// auto-accepted the plan, it falls straight through to END.
func (rc *runContext) runHumanFeedback() (string, error) {
	if rc.cfg.AutoAcceptedPlan {
		return NodeEnd, nil
	}

	rc.interrupted = true
	rc.interruptValue = &InterruptRequest{
		AllowedDecisions: []string{"approve", "edit", "reject"},
	}
	rc.emit(agui.KindInterrupt, agui.InterruptEvent(rc.cfg.ThreadID, uuid.NewString(), rc.interruptValue, rc.interruptValue.AllowedDecisions))
	return "", errInterrupted
}

func (rc *runContext) buildRequest() llm.Request {
	msgs := make([]llm.Message, 0, len(rc.state.Messages))
	for _, m := range rc.state.Messages {
		msgs = append(msgs, toProviderMessage(m))
	}
	req := llm.Request{Messages: msgs}
	if rc.tools != nil {
		req.Tools = rc.tools.Definitions()
	}
	return req
}

// toProviderMessage maps a stored message onto the provider shape,
// carrying tool-call structure and non-text content blocks through
// instead of flattening to text: a provider needs the assistant's own
// tool_calls and each tool result's tool_call_id to correlate a
// multi-turn tool conversation, and image/audio blocks to see multimodal
// input at all.
func toProviderMessage(m model.Message) llm.Message {
	out := llm.Message{
		Role:       string(m.Role),
		ToolCallID: m.ToolCallID,
	}
	for _, call := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCallRequest{ID: call.ID, Name: call.Name, Args: call.Args})
	}

	textOnly := true
	for _, b := range m.ContentBlocks {
		if b.Type != model.BlockText {
			textOnly = false
			break
		}
	}
	if textOnly {
		out.Content = m.Text()
		return out
	}

	for _, b := range m.ContentBlocks {
		out.Parts = append(out.Parts, llm.ContentPart{
			Type: string(b.Type),
			Text: b.Text,
			URL:  b.URL,
			Data: b.Data,
			Mime: b.Mime,
			Name: b.Name,
		})
	}
	return out
}
