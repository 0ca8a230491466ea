package model

import "fmt"

// Arena holds messages and tool calls keyed by their stable ids, so the
// two sides of the message <-> tool_call relationship reference each other
// by id instead of by pointer. Serialization walks ids; Rehydrate rebuilds
// the index from a deserialized message list.
type Arena struct {
	messages  map[string]*Message
	toolCalls map[string]*ToolCall
	order     []string
}

// NewArena builds an empty Arena.
func NewArena() *Arena {
	return &Arena{messages: map[string]*Message{}, toolCalls: map[string]*ToolCall{}}
}

// Rehydrate indexes a deserialized message list: every message by id, and
// every assistant tool_call as a pending ToolCall, marked completed once a
// matching tool message is seen.
func Rehydrate(messages []Message) (*Arena, error) {
	a := NewArena()
	for i := range messages {
		if err := a.AddMessage(&messages[i]); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddMessage indexes one message and maintains tool-call state: assistant
// tool_calls create pending entries; tool messages complete them.
func (a *Arena) AddMessage(m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("model: message without id")
	}
	if _, exists := a.messages[m.ID]; exists {
		return fmt.Errorf("model: duplicate message id %q", m.ID)
	}
	a.messages[m.ID] = m
	a.order = append(a.order, m.ID)

	for _, call := range m.ToolCalls {
		if _, exists := a.toolCalls[call.ID]; exists {
			return fmt.Errorf("model: duplicate tool call id %q", call.ID)
		}
		a.toolCalls[call.ID] = &ToolCall{ID: call.ID, Name: call.Name, ArgsJSON: call.Args, State: ToolCallPending}
	}

	if m.Role == RoleTool {
		tc, ok := a.toolCalls[m.ToolCallID]
		if !ok {
			return fmt.Errorf("model: tool message %q references unknown tool call %q", m.ID, m.ToolCallID)
		}
		if tc.State == ToolCallCompleted || tc.State == ToolCallFailed {
			return fmt.Errorf("model: tool call %q already has a result", m.ToolCallID)
		}
		tc.State = ToolCallCompleted
		tc.Result = m.Text()
	}
	return nil
}

// Message returns the message with the given id.
func (a *Arena) Message(id string) (*Message, bool) {
	m, ok := a.messages[id]
	return m, ok
}

// ToolCall returns the tool call with the given id.
func (a *Arena) ToolCall(id string) (*ToolCall, bool) {
	tc, ok := a.toolCalls[id]
	return tc, ok
}

// PendingToolCalls lists tool calls that have no result yet, in insertion
// order of their owning messages.
func (a *Arena) PendingToolCalls() []*ToolCall {
	var out []*ToolCall
	for _, id := range a.order {
		for _, call := range a.messages[id].ToolCalls {
			if tc := a.toolCalls[call.ID]; tc.State == ToolCallPending || tc.State == ToolCallExecuting {
				out = append(out, tc)
			}
		}
	}
	return out
}
