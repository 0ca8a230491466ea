// Package agui implements the AG-UI event vocabulary and an SSE adapter
// that frames each event as "event: <kind>\ndata: <json>\n\n", flushed
// after every write.
package agui

// Kind identifies one of the AG-UI event types.
type Kind string

const (
	KindMessageChunk          Kind = "message_chunk"
	KindToolCallChunks        Kind = "tool_call_chunks"
	KindToolCalls             Kind = "tool_calls"
	KindToolCallResult        Kind = "tool_call_result"
	KindReasoningStart        Kind = "reasoning_start"
	KindReasoningMsgStart     Kind = "reasoning_message_start"
	KindReasoningMsgContent   Kind = "reasoning_message_content"
	KindReasoningMsgEnd       Kind = "reasoning_message_end"
	KindReasoningEnd          Kind = "reasoning_end"
	KindInterrupt             Kind = "interrupt"
	KindError                 Kind = "error"
)

// FinishReason values signal end-of-stream to consumers.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishInterrupt FinishReason = "interrupt"
	FinishError     FinishReason = "error"
	FinishToolCalls FinishReason = "tool_calls"
)

// Event is the envelope written over SSE. Only the fields relevant to Kind
// are populated; empty string fields are omitted from the wire payload.
type Event struct {
	ThreadID         string           `json:"thread_id"`
	MessageID        string           `json:"message_id,omitempty"`
	Role             string           `json:"role,omitempty"`
	Delta            string           `json:"delta,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCallChunks   []ToolCallChunk  `json:"tool_call_chunks,omitempty"`
	ToolCalls        []ToolCallDone   `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	Content          string           `json:"content,omitempty"`
	ID               string           `json:"id,omitempty"`
	Value            any              `json:"value,omitempty"`
	Options          []string         `json:"options,omitempty"`
	Error            string           `json:"error,omitempty"`
	FinishReason     FinishReason     `json:"finish_reason,omitempty"`
}

// ToolCallChunk is an incremental fragment of an in-flight tool call.
type ToolCallChunk struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// ToolCallDone is a completed tool call.
type ToolCallDone struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ArgsJSON string `json:"args_json"`
}

// MessageChunk builds a message_chunk event.
func MessageChunk(threadID, messageID, role, delta, reasoning string) Event {
	return Event{ThreadID: threadID, MessageID: messageID, Role: role, Delta: delta, ReasoningContent: reasoning}
}

// ToolCallChunksEvent builds a tool_call_chunks event.
func ToolCallChunksEvent(threadID, messageID string, chunks []ToolCallChunk) Event {
	return Event{ThreadID: threadID, MessageID: messageID, ToolCallChunks: chunks}
}

// ToolCallsEvent builds a tool_calls event.
func ToolCallsEvent(threadID, messageID string, calls []ToolCallDone) Event {
	return Event{ThreadID: threadID, MessageID: messageID, ToolCalls: calls}
}

// ToolCallResultEvent builds a tool_call_result event.
func ToolCallResultEvent(threadID, toolCallID, content string) Event {
	return Event{ThreadID: threadID, ToolCallID: toolCallID, Content: content}
}

// InterruptEvent builds an interrupt event; value is the interrupt request
// passed through verbatim.
func InterruptEvent(threadID, id string, value any, options []string) Event {
	return Event{ThreadID: threadID, ID: id, Role: "assistant", Value: value, Options: options, FinishReason: FinishInterrupt}
}

// ErrorEvent builds a sanitized error event; stack traces never reach the
// client.
func ErrorEvent(threadID, message string) Event {
	return Event{ThreadID: threadID, Error: message, FinishReason: FinishError}
}
