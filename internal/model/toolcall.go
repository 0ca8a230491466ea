package model

// ToolCallState is the lifecycle state of a ToolCall.
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallExecuting ToolCallState = "executing"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallFailed    ToolCallState = "failed"
)

// ToolCall tracks one tool invocation across its lifetime. It is created
// when an assistant message emits a tool_call and mutated only by the
// executor running it.
type ToolCall struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	ArgsJSON string        `json:"args_json"`
	State    ToolCallState `json:"state"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Resource is an opaque retrieval handle threaded into node input verbatim;
// the core never fetches or interprets it (fetching is a tool's job).
type Resource struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}
