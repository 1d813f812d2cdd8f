// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentauth/agentauth/pkg/authserver/admin"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/oauth"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 1 << 16

// writeAdminError maps provisioning errors onto HTTP responses.
func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admin.ErrInUse):
		writeJSON(w, http.StatusConflict, &oauth.Error{
			Code:        oauth.ErrorCodeInvalidRequest,
			Description: "identifier already in use",
		})
	case errors.Is(err, storage.ErrNotFound):
		writeOAuthError(w, oauth.ErrNotFound)
	default:
		writeOAuthError(w, err)
	}
}

func decodeAdminBody(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxAdminBody))
	if err := dec.Decode(v); err != nil {
		writeOAuthError(w, oauth.ErrInvalidRequest.WithDescription("invalid JSON body"))
		return false
	}
	return true
}

// CreateAgentHandler handles POST /api/admin/agents requests. The response
// is the only place the plaintext agent secret ever appears.
func (h *Handler) CreateAgentHandler(w http.ResponseWriter, req *http.Request) {
	var in admin.CreateAgentInput
	if !decodeAdminBody(w, req, &in) {
		return
	}

	created, err := h.admin.CreateAgent(req.Context(), in)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListAgentsHandler handles GET /api/admin/agents requests.
func (h *Handler) ListAgentsHandler(w http.ResponseWriter, req *http.Request) {
	agents, err := h.admin.ListAgents(req.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// GetAgentHandler handles GET /api/admin/agents/{agentID} requests.
func (h *Handler) GetAgentHandler(w http.ResponseWriter, req *http.Request) {
	agent, err := h.admin.GetAgent(req.Context(), chi.URLParam(req, "agentID"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// DeleteAgentHandler handles DELETE /api/admin/agents/{agentID} requests.
func (h *Handler) DeleteAgentHandler(w http.ResponseWriter, req *http.Request) {
	if err := h.admin.DeleteAgent(req.Context(), chi.URLParam(req, "agentID")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateClientHandler handles POST /api/admin/clients requests. The response
// is the only place the plaintext client secret ever appears.
func (h *Handler) CreateClientHandler(w http.ResponseWriter, req *http.Request) {
	var in admin.CreateClientInput
	if !decodeAdminBody(w, req, &in) {
		return
	}

	created, err := h.admin.CreateClient(req.Context(), in)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListClientsHandler handles GET /api/admin/clients requests.
func (h *Handler) ListClientsHandler(w http.ResponseWriter, req *http.Request) {
	clients, err := h.admin.ListClients(req.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

// GetClientHandler handles GET /api/admin/clients/{clientID} requests.
func (h *Handler) GetClientHandler(w http.ResponseWriter, req *http.Request) {
	client, err := h.admin.GetClient(req.Context(), chi.URLParam(req, "clientID"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// UpdateClientHandler handles PATCH /api/admin/clients/{clientID} requests.
func (h *Handler) UpdateClientHandler(w http.ResponseWriter, req *http.Request) {
	var in admin.UpdateClientInput
	if !decodeAdminBody(w, req, &in) {
		return
	}

	updated, err := h.admin.UpdateClient(req.Context(), chi.URLParam(req, "clientID"), in)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteClientHandler handles DELETE /api/admin/clients/{clientID} requests.
func (h *Handler) DeleteClientHandler(w http.ResponseWriter, req *http.Request) {
	if err := h.admin.DeleteClient(req.Context(), chi.URLParam(req, "clientID")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
