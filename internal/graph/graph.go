// Package graph runs a fixed node graph against a thread's GraphState,
// producing AG-UI events with durable checkpointing and human-in-the-loop
// interrupt/resume. Each stream is a producer goroutine writing events to
// a bounded channel the transport layer drains.
package graph

import (
	"github.com/kadirpekel/agentrt/internal/model"
)

// Node names.
const (
	NodeBackgroundInvestigator = "background_investigator"
	NodeBase                   = "base"
	NodeHumanFeedback          = "human_feedback"
	NodeEnd                    = "END"
	NodeStart                  = "START"
)

// PendingToolAuthorization is the pending marker for a thread suspended on
// a tool-authorization interrupt, as opposed to a plan-review one; resume
// semantics differ (approve runs the pending tool rather than ending the
// thread).
const PendingToolAuthorization = "tool_authorization"

// Internal pseudo-nodes entered when a tool-authorization interrupt is
// resumed: run the pending calls, or substitute rejection results, then
// fall back into base.
const (
	nodeResumePendingTools = "resume_pending_tools"
	nodeRejectPendingTools = "reject_pending_tools"
)

// MCPSettings carries per-stream MCP configuration, threaded verbatim
// into node input.
type MCPSettings struct {
	Enabled bool
	Servers []CustomMCPServer
}

// CustomMCPServer is a caller-attached MCP server descriptor.
type CustomMCPServer struct {
	Name      string
	Transport string // stdio | http
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Config carries per-stream options.
type Config struct {
	ThreadID                     string
	UserID                       string
	Resources                    []model.Resource
	MaxPlanIterations             int
	MaxStepNum                    int
	AutoAcceptedPlan              bool
	InterruptFeedback             string
	EnableBackgroundInvestigation bool
	EnableWebSearch               bool
	EnableDeepThinking            bool
	EnableClarification           bool
	Locale                        string
	InterruptBeforeTools          []string
	RecursionLimit                int
	MCP                           *MCPSettings

	// Tools, when non-nil, overrides the executor's default tool runner
	// for this stream; set by the transport layer once the session's
	// sandbox MCP endpoint is registered.
	Tools ToolRunner
}

// DefaultRecursionLimit bounds node entries per stream; MaxRecursionLimit
// caps caller overrides.
const (
	DefaultRecursionLimit = 25
	MaxRecursionLimit     = 100
)

// ResumeDecision is the value delivered to a suspended human_feedback
// node when a thread resumes.
type ResumeDecision struct {
	Type     string // approve | edit | reject
	Feedback string
	Answers  map[string]string
	Reason   string
}

// ActionRequest names the tool call pending authorization.
type ActionRequest struct {
	ToolName string `json:"tool_name"`
	ArgsJSON string `json:"args_json"`
}

// InterruptRequest is the value a node surfaces when it pauses the
// stream for human input.
type InterruptRequest struct {
	Kind             string         `json:"kind,omitempty"` // "" (plan review) | "tool_authorization"
	Questions        []string       `json:"questions,omitempty"`
	AllowedDecisions []string       `json:"allowed_decisions,omitempty"`
	ActionRequest    *ActionRequest `json:"action_request,omitempty"`
	ReviewConfig     map[string]any `json:"review_config,omitempty"`
}

// Input is either a fresh set of user-authored messages or a resume
// command answering a pending interrupt.
type Input struct {
	Messages []model.Message
	Resume   *ResumeDecision
}
