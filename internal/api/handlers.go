// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tsuzuki-app/tsuzuki/internal/aggregate"
	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
)

// maxSearchBodyBytes caps the search request body.
const maxSearchBodyBytes = 64 << 10

type searchRequest struct {
	Scope   string                 `json:"scope"`
	Query   string                 `json:"query"`
	Filters []catalog.SearchFilter `json:"filters"`
	Cursor  string                 `json:"cursor"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Kind: kind, Message: message}})
}

// respondError maps service errors to HTTP statuses. Extension failures
// surface as upstream errors; registry and cursor conditions map to client
// errors.
func respondError(w http.ResponseWriter, err error) {
	var ee *extension.Error
	switch {
	case errors.As(err, &ee):
		status := http.StatusBadGateway
		switch ee.Kind {
		case extension.KindNotFound:
			status = http.StatusNotFound
		case extension.KindTimeout:
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, ee.Kind.String(), ee.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", err.Error())
	case errors.Is(err, registry.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, aggregate.ErrCursorUnknown):
		writeError(w, http.StatusGone, "cursor_unknown", err.Error())
	case errors.Is(err, aggregate.ErrCursorExhausted):
		writeError(w, http.StatusGone, "cursor_exhausted", err.Error())
	case errors.Is(err, aggregate.ErrCursorMismatch):
		writeError(w, http.StatusBadRequest, "cursor_mismatch", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleListExtensions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"extensions": s.reg.List()})
}

func (s *Server) handleReloadExtension(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.reg.Reload(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	info, err := s.reg.Info(id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnloadExtension(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Unload(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	filters, err := s.svc.ListFilters(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filters": filters})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	body := http.MaxBytesReader(w, r.Body, maxSearchBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid search request: "+err.Error())
		return
	}

	res, err := s.svc.Search(r.Context(), req.Scope, req.Query, req.Filters, req.Cursor)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSeriesInfo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	series, err := s.svc.SeriesInfo(r.Context(), vars["id"], vars["seriesID"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.svc.Episodes(r.Context(), vars["id"], vars["seriesID"], r.URL.Query().Get("cursor"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	videos, err := s.svc.Videos(r.Context(), vars["id"], vars["seriesID"], vars["episodeID"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}
