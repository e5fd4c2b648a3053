// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package api provides the HTTP/JSON surface consumed by the UI shell and
// tooling. It exposes registry management and the aggregated catalog
// operations; it never talks to extensions directly.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/tsuzuki-app/tsuzuki/internal/aggregate"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
)

// Server serves the catalog API.
type Server struct {
	addr     string
	reg      *registry.Registry
	svc      *aggregate.Service
	listener net.Listener
	mu       sync.RWMutex
}

// NewServer creates a new API server.
func NewServer(addr string, reg *registry.Registry, svc *aggregate.Service) *Server {
	return &Server{
		addr: addr,
		reg:  reg,
		svc:  svc,
	}
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler builds the routing table. Exported so tests can drive the API
// without a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(requestIDMiddleware, loggingMiddleware, recoveryMiddleware)

	api.HandleFunc("/extensions", s.handleListExtensions).Methods(http.MethodGet)
	api.HandleFunc("/extensions/{id}/reload", s.handleReloadExtension).Methods(http.MethodPost)
	api.HandleFunc("/extensions/{id}", s.handleUnloadExtension).Methods(http.MethodDelete)
	api.HandleFunc("/extensions/{id}/filters", s.handleListFilters).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/extensions/{id}/series/{seriesID}", s.handleSeriesInfo).Methods(http.MethodGet)
	api.HandleFunc("/extensions/{id}/series/{seriesID}/episodes", s.handleEpisodes).Methods(http.MethodGet)
	api.HandleFunc("/extensions/{id}/series/{seriesID}/episodes/{episodeID}/videos", s.handleVideos).Methods(http.MethodGet)

	// The UI shell runs on its own origin during development.
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
	)
	return cors(r)
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("API server started", "addr", listener.Addr())

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Debug("error shutting down API server", "error", err)
		}
	}()

	if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve failed: %w", err)
	}

	// Serve returns as soon as Shutdown begins; wait for in-flight
	// requests to drain before reporting the server stopped.
	<-done
	return nil
}
