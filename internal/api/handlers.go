package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steward-ai/steward/internal/apperr"
	"github.com/steward-ai/steward/internal/discovery"
)

type createSessionRequest struct {
	SessionID    string   `json:"session_id"`
	WorkingDir   string   `json:"working_dir"`
	Resume       bool     `json:"resume"`
	FirstMessage []string `json:"first_message"`
}

type createSessionResponse struct {
	SessionID            string `json:"session_id"`
	WebsocketURL         string `json:"websocket_url"`
	ApprovalWebsocketURL string `json:"approval_websocket_url"`
}

type getSessionResponse struct {
	SessionID            string            `json:"session_id"`
	WorkingDirectory     string            `json:"working_directory"`
	Content              []json.RawMessage `json:"content"`
	WebsocketURL         string            `json:"websocket_url,omitempty"`
	ApprovalWebsocketURL string            `json:"approval_websocket_url,omitempty"`
}

func transcriptURL(sessionID string) string {
	return fmt.Sprintf("/api/v1/sessions/%s/transcript", sessionID)
}

func approvalURL(sessionID string) string {
	return fmt.Sprintf("/api/v1/sessions/%s/approvals", sessionID)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.discovery.List()
	if sessions == nil {
		sessions = []discovery.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InvalidRequest("invalid request body: %v", err))
		return
	}

	if req.SessionID == "" {
		writeError(w, apperr.InvalidRequest("session_id cannot be empty"))
		return
	}
	if len(req.FirstMessage) == 0 {
		writeError(w, apperr.InvalidRequest("first_message cannot be empty"))
		return
	}
	for i, msg := range req.FirstMessage {
		if !json.Valid([]byte(msg)) {
			writeError(w, apperr.InvalidRequest("first_message[%d] is not valid JSON", i))
			return
		}
	}

	effectiveID, err := s.manager.CreateSession(req.SessionID, req.WorkingDir, req.Resume, req.FirstMessage)
	if err != nil {
		s.logger.Error("session creation failed",
			"session_id", req.SessionID,
			"working_dir", req.WorkingDir,
			"error", err,
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:            effectiveID,
		WebsocketURL:         transcriptURL(effectiveID),
		ApprovalWebsocketURL: approvalURL(effectiveID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	info, content, err := s.discovery.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := getSessionResponse{
		SessionID:        info.SessionID,
		WorkingDirectory: info.WorkingDirectory,
		Content:          content,
	}
	if info.Active {
		resp.WebsocketURL = transcriptURL(info.SessionID)
		resp.ApprovalWebsocketURL = approvalURL(info.SessionID)
	}
	writeJSON(w, http.StatusOK, resp)
}
