// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the authorization server: it wires the storage
// backend, the flow coordinator, the token and admin services, and the HTTP
// handlers into a single http.Server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentauth/agentauth/pkg/authserver"
	"github.com/agentauth/agentauth/pkg/authserver/admin"
	"github.com/agentauth/agentauth/pkg/authserver/flow"
	"github.com/agentauth/agentauth/pkg/authserver/server/handlers"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/authserver/tokens"
	"github.com/agentauth/agentauth/pkg/logger"
)

const (
	// requestTimeout bounds request handling end to end.
	requestTimeout = 30 * time.Second

	// readHeaderTimeout guards against slowloris on the listener.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout is how long Shutdown waits for in-flight requests.
	shutdownTimeout = 10 * time.Second
)

// Server is the authorization server's HTTP front end.
type Server struct {
	httpServer *http.Server
	store      storage.Storage
}

// New creates a Server from a validated configuration and a storage
// backend. The caller owns the storage backend's lifecycle.
func New(cfg *authserver.Config, store storage.Storage) *Server {
	coordinator := flow.NewCoordinator(store, cfg.AuthRequestTTL, cfg.DefaultScope)
	tokenService := tokens.NewService(store, cfg.JWTSecret, cfg.Issuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	adminService := admin.NewService(store)
	handler := handlers.NewHandler(cfg.Issuer, coordinator, tokenService, adminService, store)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Mount("/", handler.Routes())

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		store: store,
	}
}

// ListenAndServe starts serving and blocks until the listener closes.
// A graceful Shutdown is not reported as an error.
func (s *Server) ListenAndServe() error {
	logger.Infow("authorization server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	logger.Info("shutting down authorization server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

// Handler exposes the assembled HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
