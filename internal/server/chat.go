package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentrt/internal/agui"
	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/auth"
	"github.com/kadirpekel/agentrt/internal/credit"
	"github.com/kadirpekel/agentrt/internal/graph"
	"github.com/kadirpekel/agentrt/internal/model"
)

// ChatMessage is one inbound message. Content accepts either a plain
// string or an array of typed content blocks, so multimodal user messages
// (image URL or base64+mime) pass through verbatim.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the /chat/stream request body.
type ChatRequest struct {
	Messages             []ChatMessage    `json:"messages"`
	ThreadID             string           `json:"thread_id"`
	Resources            []model.Resource `json:"resources"`
	MaxPlanIterations    int              `json:"max_plan_iterations"`
	MaxStepNum           int              `json:"max_step_num"`
	AutoAcceptedPlan     bool             `json:"auto_accepted_plan"`
	InterruptFeedback    string           `json:"interrupt_feedback"`
	MCPSettings          *MCPSettings     `json:"mcp_settings"`
	EnableBackgroundInv  bool             `json:"enable_background_investigation"`
	EnableWebSearch      bool             `json:"enable_web_search"`
	EnableDeepThinking   bool             `json:"enable_deep_thinking"`
	EnableClarification  bool             `json:"enable_clarification"`
	Locale               string           `json:"locale"`
	InterruptBeforeTools []string         `json:"interrupt_before_tools"`
}

// MCPSettings mirrors the caller-supplied MCP configuration.
type MCPSettings struct {
	Servers []CustomMCPServer `json:"servers"`
}

// CustomMCPServer is a caller-attached MCP server descriptor.
type CustomMCPServer struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindAuth, "no authenticated user"))
		return
	}

	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	if req.MCPSettings != nil && !s.cfg.AgentMCPEnabled {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "mcp settings provided but MCP is disabled"})
		return
	}

	if err := s.checkCredits(r.Context(), claims.Subject); err != nil {
		writeError(w, err)
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	in, err := buildInput(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg := s.buildGraphConfig(req, threadID)
	cfg.UserID = claims.Subject

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if cfg.MCP != nil && s.tools != nil {
		runner, err := s.tools.ForSession(ctx, claims.Subject, threadID, claims.RawToken, cfg.MCP.Servers)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg.Tools = runner
	}

	events, err := s.executor.Stream(ctx, in, cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	writer, err := agui.NewWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	for ev := range events {
		if err := writer.WriteEvent(ev.Kind, ev.Event); err != nil {
			// Client gone: cancel the producer and drain quietly.
			cancel()
			for range events {
			}
			slog.Debug("chat stream client disconnected", "thread_id", threadID)
			return
		}
	}
}

// checkCredits refuses to start a stream for an account with no balance.
// Unknown accounts pass; account provisioning happens out of band.
func (s *Server) checkCredits(ctx context.Context, accountID string) error {
	if s.credits == nil {
		return nil
	}
	bal, err := s.credits.Balance(ctx, accountID)
	if err != nil {
		if err == credit.ErrNotFound {
			return nil
		}
		return err
	}
	if bal.Total <= 0 {
		return (&apperr.InsufficientCredits{
			Available: bal.Total,
			Breakdown: apperr.PoolBreakdown{Daily: bal.Daily, Expiring: bal.Expiring, NonExpiring: bal.NonExpiring},
		}).AsAppError()
	}
	return nil
}

func (s *Server) buildGraphConfig(req ChatRequest, threadID string) graph.Config {
	cfg := graph.Config{
		ThreadID:                      threadID,
		Resources:                     req.Resources,
		MaxPlanIterations:             req.MaxPlanIterations,
		MaxStepNum:                    req.MaxStepNum,
		AutoAcceptedPlan:              req.AutoAcceptedPlan,
		InterruptFeedback:             req.InterruptFeedback,
		EnableBackgroundInvestigation: req.EnableBackgroundInv,
		EnableWebSearch:               req.EnableWebSearch,
		EnableDeepThinking:            req.EnableDeepThinking,
		EnableClarification:           req.EnableClarification,
		Locale:                        req.Locale,
		InterruptBeforeTools:          req.InterruptBeforeTools,
		RecursionLimit:                s.cfg.AgentRecursionLimit,
	}
	if req.MCPSettings != nil {
		mcp := &graph.MCPSettings{Enabled: true}
		for _, srv := range req.MCPSettings.Servers {
			mcp.Servers = append(mcp.Servers, graph.CustomMCPServer{
				Name:      srv.Name,
				Transport: srv.Transport,
				Command:   srv.Command,
				Args:      srv.Args,
				Env:       srv.Env,
				URL:       srv.URL,
				Headers:   srv.Headers,
			})
		}
		cfg.MCP = mcp
	}
	return cfg
}

// buildInput converts the wire messages and, when the caller is answering
// a pending interrupt, a resume decision. "accepted" is the wire spelling
// of an approve decision.
func buildInput(req ChatRequest) (graph.Input, error) {
	var in graph.Input

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return graph.Input{}, err
		}
		in.Messages = append(in.Messages, msg)
	}

	if req.InterruptFeedback != "" {
		decision := req.InterruptFeedback
		if decision == "accepted" {
			decision = "approve"
		}
		in.Resume = &graph.ResumeDecision{Type: decision, Feedback: req.InterruptFeedback}
	}
	return in, nil
}

func convertMessage(m ChatMessage) (model.Message, error) {
	msg := model.Message{ID: uuid.NewString(), Role: model.Role(m.Role)}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.ContentBlocks = []model.ContentBlock{{Type: model.BlockText, Text: text}}
		return msg, nil
	}

	var blocks []model.ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return model.Message{}, err
	}
	msg.ContentBlocks = blocks
	return msg, nil
}
