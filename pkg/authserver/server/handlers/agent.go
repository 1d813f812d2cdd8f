// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/agentauth/agentauth/pkg/oauth"
)

// maxAuthenticateBody bounds the agent authentication request body.
const maxAuthenticateBody = 1 << 16

// agentAuthenticateRequest is the JSON body of the agent back channel.
type agentAuthenticateRequest struct {
	RequestID   string `json:"request_id"`
	AgentID     string `json:"agent_id"`
	AgentSecret string `json:"agent_secret"`
	Model       string `json:"model,omitempty"`
}

// agentAuthenticateResponse acknowledges a successful authentication. The
// authorization code is deliberately absent: it is delivered to the browser
// through the status poll, never to the agent.
type agentAuthenticateResponse struct {
	Success bool `json:"success"`
}

// AgentAuthenticateHandler handles POST /api/agent/authenticate requests,
// the back channel where an agent presents its credential pair against a
// pending authorization request.
func (h *Handler) AgentAuthenticateHandler(w http.ResponseWriter, req *http.Request) {
	var body agentAuthenticateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxAuthenticateBody))
	if err := dec.Decode(&body); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("invalid JSON body"))
		return
	}

	if body.RequestID == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("request_id is required"))
		return
	}
	if body.AgentID == "" || body.AgentSecret == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("agent_id and agent_secret are required"))
		return
	}

	if _, err := h.flow.Authenticate(req.Context(), body.RequestID, body.AgentID, body.AgentSecret, body.Model); err != nil {
		writeOAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agentAuthenticateResponse{Success: true})
}

// CheckStatusHandler handles GET /api/check-status requests, the browser's
// poll for authorization progress. The response that carries redirect_uri
// is returned exactly once.
func (h *Handler) CheckStatusHandler(w http.ResponseWriter, req *http.Request) {
	requestID := req.URL.Query().Get("request_id")
	if requestID == "" {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("request_id is required"))
		return
	}

	status, err := h.flow.Poll(req.Context(), requestID)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, status)
}
