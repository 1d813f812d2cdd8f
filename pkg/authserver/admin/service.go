// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package admin provisions agents and clients. Secrets are generated
// server-side, returned exactly once in the creation response, and stored
// only as bcrypt hashes.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentauth/agentauth/pkg/authserver/crypto"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/logger"
	"github.com/agentauth/agentauth/pkg/oauth"
	"github.com/agentauth/agentauth/pkg/validation"
)

const (
	// generatedIDBytes yields a 16-character base64url suffix.
	generatedIDBytes = 12

	// secretBytes yields a 43-character base64url secret.
	secretBytes = 32
)

// ErrInUse is returned when a generated identifier collides or a caller
// supplies one that already exists.
var ErrInUse = errors.New("identifier already in use")

// Service implements the admin provisioning operations.
type Service struct {
	store storage.Storage
}

// NewService creates an admin service.
func NewService(store storage.Storage) *Service {
	return &Service{store: store}
}

// AgentView is an agent as exposed by the admin API; the secret hash never
// leaves storage.
type AgentView struct {
	AgentID   string    `json:"agent_id"`
	UserEmail string    `json:"user_email"`
	UserName  string    `json:"user_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatedAgent is the response to agent creation. AgentSecret is the only
// place the plaintext secret ever appears.
type CreatedAgent struct {
	AgentView
	AgentSecret string `json:"agent_secret"`
}

// CreateAgentInput carries the parameters for agent creation. AgentID is
// optional; when empty one is generated.
type CreateAgentInput struct {
	AgentID   string `json:"agent_id,omitempty"`
	UserEmail string `json:"user_email"`
	UserName  string `json:"user_name,omitempty"`
}

// CreateAgent provisions a new agent with a generated secret.
func (s *Service) CreateAgent(ctx context.Context, in CreateAgentInput) (*CreatedAgent, error) {
	if err := validation.ValidateEmail(in.UserEmail); err != nil {
		return nil, oauth.ErrInvalidRequest.WithDescription("%v", err)
	}

	agentID := in.AgentID
	if agentID == "" {
		agentID = crypto.RandomID("agent", generatedIDBytes)
	} else if err := validation.ValidateIdentifier(agentID); err != nil {
		return nil, oauth.ErrInvalidRequest.WithDescription("invalid agent_id: %v", err)
	}

	secret := crypto.RandomSecret(secretBytes)
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to hash agent secret: %w", err)
	}

	agent := &storage.Agent{
		AgentID:    agentID,
		SecretHash: hash,
		UserEmail:  in.UserEmail,
		UserName:   in.UserName,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrInUse
		}
		return nil, fmt.Errorf("failed to store agent: %w", err)
	}

	logger.Infow("agent created", "agent_id", agentID, "user_email", in.UserEmail)
	return &CreatedAgent{
		AgentView:   agentView(agent),
		AgentSecret: secret,
	}, nil
}

// GetAgent returns an agent by ID.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*AgentView, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	view := agentView(agent)
	return &view, nil
}

// ListAgents returns all agents.
func (s *Service) ListAgents(ctx context.Context) ([]AgentView, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]AgentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, agentView(agent))
	}
	return views, nil
}

// DeleteAgent removes an agent. Already-issued tokens are unaffected; they
// run out their TTLs or get revoked explicitly.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	logger.Infow("agent deleted", "agent_id", agentID)
	return nil
}

func agentView(a *storage.Agent) AgentView {
	return AgentView{
		AgentID:   a.AgentID,
		UserEmail: a.UserEmail,
		UserName:  a.UserName,
		CreatedAt: a.CreatedAt,
	}
}

// ClientView is a client as exposed by the admin API.
type ClientView struct {
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	GrantTypes   []string  `json:"grant_types"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreatedClient is the response to client registration. ClientSecret is the
// only place the plaintext secret ever appears.
type CreatedClient struct {
	ClientView
	ClientSecret string `json:"client_secret"`
}

// CreateClientInput carries the parameters for client registration.
// ClientID is optional; when empty one is generated.
type CreateClientInput struct {
	ClientID     string   `json:"client_id,omitempty"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
}

// CreateClient registers a new OAuth client with a generated secret.
func (s *Service) CreateClient(ctx context.Context, in CreateClientInput) (*CreatedClient, error) {
	if in.Name == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("name is required")
	}
	if len(in.RedirectURIs) == 0 {
		return nil, oauth.ErrInvalidRequest.WithDescription("at least one redirect_uri is required")
	}
	for _, uri := range in.RedirectURIs {
		if err := validation.ValidateRedirectURI(uri); err != nil {
			return nil, oauth.ErrInvalidRequest.WithDescription("%v", err)
		}
	}

	clientID := in.ClientID
	if clientID == "" {
		clientID = crypto.RandomID("client", generatedIDBytes)
	} else if err := validation.ValidateIdentifier(clientID); err != nil {
		return nil, oauth.ErrInvalidRequest.WithDescription("invalid client_id: %v", err)
	}

	grantTypes := in.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}
	}

	secret := crypto.RandomSecret(secretBytes)
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to hash client secret: %w", err)
	}

	client := &storage.Client{
		ClientID:     clientID,
		SecretHash:   hash,
		Name:         in.Name,
		RedirectURIs: in.RedirectURIs,
		GrantTypes:   grantTypes,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrInUse
		}
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	logger.Infow("client registered", "client_id", clientID, "name", in.Name)
	return &CreatedClient{
		ClientView:   clientView(client),
		ClientSecret: secret,
	}, nil
}

// GetClient returns a client by ID.
func (s *Service) GetClient(ctx context.Context, clientID string) (*ClientView, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	view := clientView(client)
	return &view, nil
}

// ListClients returns all registered clients.
func (s *Service) ListClients(ctx context.Context) ([]ClientView, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ClientView, 0, len(clients))
	for _, client := range clients {
		views = append(views, clientView(client))
	}
	return views, nil
}

// UpdateClientInput carries the mutable client fields. Nil fields are left
// unchanged.
type UpdateClientInput struct {
	Name         *string  `json:"name,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
}

// UpdateClient updates a client's name and redirect URIs. The secret and
// grant types are immutable.
func (s *Service) UpdateClient(ctx context.Context, clientID string, in UpdateClientInput) (*ClientView, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if *in.Name == "" {
			return nil, oauth.ErrInvalidRequest.WithDescription("name cannot be empty")
		}
		client.Name = *in.Name
	}
	if in.RedirectURIs != nil {
		if len(in.RedirectURIs) == 0 {
			return nil, oauth.ErrInvalidRequest.WithDescription("at least one redirect_uri is required")
		}
		for _, uri := range in.RedirectURIs {
			if err := validation.ValidateRedirectURI(uri); err != nil {
				return nil, oauth.ErrInvalidRequest.WithDescription("%v", err)
			}
		}
		client.RedirectURIs = in.RedirectURIs
	}

	if err := s.store.UpdateClient(ctx, client); err != nil {
		return nil, err
	}

	logger.Infow("client updated", "client_id", clientID)
	view := clientView(client)
	return &view, nil
}

// DeleteClient removes a client registration.
func (s *Service) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	logger.Infow("client deleted", "client_id", clientID)
	return nil
}

func clientView(c *storage.Client) ClientView {
	return ClientView{
		ClientID:     c.ClientID,
		Name:         c.Name,
		RedirectURIs: c.RedirectURIs,
		GrantTypes:   c.GrantTypes,
		CreatedAt:    c.CreatedAt,
	}
}
