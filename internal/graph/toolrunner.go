package graph

import (
	"context"

	"github.com/kadirpekel/agentrt/internal/llm"
)

// ToolRunner is the seam through which the base node dispatches a
// completed tool call. The MCPClient (internal/mcp) is the production
// implementation; tests supply a stub.
type ToolRunner interface {
	// Definitions lists the callable tools for inclusion in an LLM
	// request.
	Definitions() []llm.ToolDefinition
	// ConfirmationPolicy returns the tool's confirmation policy
	// (auto|edit|bash|mcp).
	ConfirmationPolicy(name string) string
	// RunTool invokes a tool and returns its result content. A tool-level
	// error is reported as content with isError set, not a Go error;
	// RunTool only returns a Go error for transport-level failure.
	RunTool(ctx context.Context, name, argsJSON string) (content string, isError bool, err error)
}
