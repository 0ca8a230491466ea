package model

import "fmt"

// ExtensionKey enumerates the runtime-added keys the original system mixed
// into its dynamic state dict. Modeling them as a bounded enum (rather than
// an open `map[string]any`) prevents schema drift: unknown keys are
// rejected at checkpoint write time (see Validate).
type ExtensionKey string

const (
	ExtGoto                   ExtensionKey = "goto"
	ExtFeedback               ExtensionKey = "feedback"
	ExtClarificationRounds    ExtensionKey = "clarification_rounds"
	ExtBackgroundInvestigated ExtensionKey = "background_investigated"
)

var knownExtensionKeys = map[ExtensionKey]bool{
	ExtGoto:                   true,
	ExtFeedback:               true,
	ExtClarificationRounds:    true,
	ExtBackgroundInvestigated: true,
}

// WorkflowFlags toggles optional graph behavior for a thread.
type WorkflowFlags struct {
	BackgroundInvestigation bool `json:"background_investigation"`
	WebSearch               bool `json:"web_search"`
	DeepThinking            bool `json:"deep_thinking"`
	Clarification           bool `json:"clarification"`
}

// GraphState is the running state of a thread's agent graph.
type GraphState struct {
	Messages  []Message  `json:"messages"`
	Resources []Resource `json:"resources,omitempty"`
	Flags     WorkflowFlags `json:"flags"`

	// Goto names the next node, when a node has explicitly routed control
	// flow (e.g. human_feedback -> base vs human_feedback -> END).
	Goto string `json:"goto,omitempty"`

	// Extensions holds the bounded set of runtime-added fields above.
	// Values are JSON-serializable scalars or strings.
	Extensions map[ExtensionKey]any `json:"extensions,omitempty"`

	// Locale is threaded through verbatim; the core never interprets it.
	Locale string `json:"locale,omitempty"`
}

// Clone returns a deep-enough copy for checkpoint isolation: the slices and
// map are copied so that mutating the returned state never aliases the
// checkpointed one.
func (s *GraphState) Clone() *GraphState {
	if s == nil {
		return nil
	}
	out := &GraphState{
		Flags:  s.Flags,
		Goto:   s.Goto,
		Locale: s.Locale,
	}
	out.Messages = append([]Message(nil), s.Messages...)
	out.Resources = append([]Resource(nil), s.Resources...)
	if s.Extensions != nil {
		out.Extensions = make(map[ExtensionKey]any, len(s.Extensions))
		for k, v := range s.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

// SetExtension sets a bounded extension value, rejecting unknown keys.
func (s *GraphState) SetExtension(key ExtensionKey, value any) error {
	if !knownExtensionKeys[key] {
		return fmt.Errorf("unknown graph state extension key %q", key)
	}
	if s.Extensions == nil {
		s.Extensions = make(map[ExtensionKey]any)
	}
	s.Extensions[key] = value
	return nil
}

// Extension reads a bounded extension value.
func (s *GraphState) Extension(key ExtensionKey) (any, bool) {
	if s.Extensions == nil {
		return nil, false
	}
	v, ok := s.Extensions[key]
	return v, ok
}

// Validate rejects any extension key outside the known enum, enforcing the
// "unknown keys are rejected at checkpoint write time" design note.
func (s *GraphState) Validate() error {
	for k := range s.Extensions {
		if !knownExtensionKeys[k] {
			return fmt.Errorf("graph state carries unknown extension key %q", k)
		}
	}
	for i := range s.Messages {
		if err := s.Messages[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
