package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/auth"
	"github.com/kadirpekel/agentrt/internal/sandbox"
)

type sandboxResponse struct {
	SandboxID         string `json:"sandbox_id"`
	ProviderSandboxID string `json:"provider_sandbox_id"`
	MCPURL            string `json:"mcp_url"`
	VSCodeURL         string `json:"vscode_url"`
	Status            string `json:"status"`
}

func toSandboxResponse(sb *sandbox.Sandbox) sandboxResponse {
	return sandboxResponse{
		SandboxID:         sb.SandboxID,
		ProviderSandboxID: sb.ProviderSandboxID,
		MCPURL:            sb.MCPURL,
		VSCodeURL:         sb.VSCodeURL,
		Status:            string(sb.Status),
	}
}

func (s *Server) handleSandboxCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindAuth, "no authenticated user"))
		return
	}

	var req struct {
		SandboxTemplateID string `json:"sandbox_template_id"`
		SessionID         string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	sb, err := s.sandboxes.GetOrCreate(r.Context(), claims.Subject, req.SessionID, req.SandboxTemplateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSandboxResponse(sb))
}

func (s *Server) handleSandboxConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	sb, err := s.sandboxes.Connect(r.Context(), req.SandboxID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSandboxResponse(sb))
}

func (s *Server) handleSandboxRunCmd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID  string `json:"sandbox_id"`
		Command    string `json:"command"`
		Background bool   `json:"background"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	output, err := s.sandboxes.RunCmd(r.Context(), req.SandboxID, req.Command, req.Background)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) handleSandboxWriteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
		FilePath  string `json:"file_path"`
		Content   string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil || req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	if err := s.sandboxes.WriteFile(r.Context(), req.SandboxID, req.FilePath, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleSandboxReadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
		FilePath  string `json:"file_path"`
	}
	if err := decodeJSON(r, &req); err != nil || req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	content, err := s.sandboxes.ReadFile(r.Context(), req.SandboxID, req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleSandboxDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sandboxes.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}
