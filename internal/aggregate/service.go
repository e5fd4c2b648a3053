// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package aggregate fans catalog operations out across ready extensions,
// merges their results, and tracks pagination positions behind opaque
// cursors. It is the only caller-facing surface for extractor output; the
// API layer and CLI talk to Service, never to extensions directly.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
	"github.com/tsuzuki-app/tsuzuki/internal/observability"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// ScopeAll addresses every ready extension instead of a single one. The
// manifest validator reserves the id, so it can never collide with a real
// extension.
const ScopeAll = "all"

// defaultMaxInFlight bounds concurrent sandbox invocations across the whole
// service, not per fan-out.
const defaultMaxInFlight = 8

var (
	// ErrCursorUnknown reports a cursor that expired or was never issued.
	ErrCursorUnknown = errors.New("unknown or expired cursor")
	// ErrCursorMismatch reports a cursor presented with a different
	// operation, scope, or query than it was issued for.
	ErrCursorMismatch = errors.New("cursor does not match request")
	// ErrCursorExhausted reports a fetch past the end of a pagination
	// chain. The last page of a chain carries a terminal cursor; redeeming
	// it reports exhaustion instead of silently re-serving that page.
	ErrCursorExhausted = errors.New("cursor is past the last page")
)

// Failure records one extension's error during a multi-extension dispatch.
// Failures ride alongside successes; they never fail the aggregate call.
type Failure struct {
	Extension string `json:"extension"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// SearchResult is one merged page of search hits. Cursor is empty only when
// the first page is also the last; once a chain starts, every page carries a
// cursor, and the one on the final page redeems as ErrCursorExhausted.
type SearchResult struct {
	Page     catalog.Page[catalog.SeriesSummary] `json:"page"`
	Cursor   string                              `json:"cursor,omitempty"`
	Failures []Failure                           `json:"failures,omitempty"`
}

// EpisodesResult is one page of a single extension's episode listing. Cursor
// follows the same chain semantics as SearchResult.Cursor.
type EpisodesResult struct {
	Page   catalog.Page[catalog.Episode] `json:"page"`
	Cursor string                        `json:"cursor,omitempty"`
}

// Service coordinates catalog operations across the registry.
type Service struct {
	reg     *registry.Registry
	cursors *cursorTable
	sem     *semaphore.Weighted

	maxInFlight int64
	cursorTTL   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithMaxInFlight caps concurrent sandbox invocations. Calls beyond the cap
// queue on the semaphore in FIFO order.
func WithMaxInFlight(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxInFlight = n
		}
	}
}

// WithCursorTTL sets how long unused cursors stay redeemable.
func WithCursorTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cursorTTL = ttl
		}
	}
}

// New creates a Service over reg.
func New(reg *registry.Registry, opts ...Option) *Service {
	s := &Service{
		reg:         reg,
		maxInFlight: defaultMaxInFlight,
		cursorTTL:   defaultCursorTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.maxInFlight)
	s.cursors = newCursorTable(s.cursorTTL)
	return s
}

// ListFilters returns the filter catalog of a single extension. A broken
// filter response degrades to an empty catalog rather than an error.
func (s *Service) ListFilters(ctx context.Context, id string) ([]catalog.FilterCategory, error) {
	lease, err := s.reg.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	return lease.Extractor().Filters(ctx), nil
}

// Search runs a catalog search. With scope "all" (or empty) it fans out to
// every ready extension; with an extension id it targets only that one. A
// non-empty cursor resumes a previous search: the stored scope, query, and
// filters are authoritative, and any non-empty values passed alongside the
// cursor must match them.
func (s *Service) Search(ctx context.Context, scope, query string, filters []catalog.SearchFilter, cursor string) (*SearchResult, error) {
	if cursor != "" {
		return s.searchNext(ctx, scope, query, filters, cursor)
	}
	if scope == "" {
		scope = ScopeAll
	}

	var leases []*registry.Lease
	if scope == ScopeAll {
		leases = s.reg.AcquireReady()
	} else {
		lease, err := s.reg.Acquire(scope)
		if err != nil {
			return nil, err
		}
		leases = []*registry.Lease{lease}
	}

	st := cursorState{op: extractor.OpSearch, scope: scope, query: query, filters: filters}
	return s.searchPages(ctx, st, leases, nil)
}

// searchNext redeems a search cursor, re-dispatching only to the extensions
// that reported a further page when the cursor was issued.
func (s *Service) searchNext(ctx context.Context, scope, query string, filters []catalog.SearchFilter, cursor string) (*SearchResult, error) {
	st, ok := s.cursors.get(cursor)
	if !ok {
		return nil, ErrCursorUnknown
	}
	if st.op != extractor.OpSearch {
		return nil, fmt.Errorf("%w: cursor was issued for %s", ErrCursorMismatch, st.op)
	}
	if scope != "" && scope != st.scope {
		return nil, fmt.Errorf("%w: cursor was issued for scope %s", ErrCursorMismatch, st.scope)
	}
	if query != "" || len(filters) > 0 {
		if querySignature(st.op, st.scope, query, filters) != st.sig() {
			return nil, fmt.Errorf("%w: query or filters changed", ErrCursorMismatch)
		}
	}
	if len(st.next) == 0 {
		return nil, ErrCursorExhausted
	}

	ids := make([]string, 0, len(st.next))
	for id := range st.next {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var failures []Failure
	leases := make([]*registry.Lease, 0, len(ids))
	for _, id := range ids {
		lease, err := s.reg.Acquire(id)
		if err != nil {
			failures = append(failures, failureFrom(id, err))
			continue
		}
		leases = append(leases, lease)
	}

	return s.searchPages(ctx, st, leases, failures)
}

// searchPages dispatches one search page to the leased extensions and merges
// the outcome. pages inside st.next pick each extension's page; extensions
// absent from it get the first page. Merging concatenates per-extension item
// runs in completion order without re-ranking; items dedup on (source, id).
func (s *Service) searchPages(ctx context.Context, st cursorState, leases []*registry.Lease, failures []Failure) (*SearchResult, error) {
	results := fanOut(ctx, s.sem, leases, func(ctx context.Context, l *registry.Lease) (catalog.Page[catalog.SeriesSummary], error) {
		return l.Extractor().Search(ctx, st.query, st.next[l.ID()], st.filters)
	})

	merged := catalog.Page[catalog.SeriesSummary]{Items: []catalog.SeriesSummary{}}
	next := make(map[string]uint16)
	seen := make(map[string]struct{})

	for _, res := range results {
		if res.err != nil {
			failures = append(failures, failureFrom(res.id, res.err))
			continue
		}
		for _, item := range res.val.Items {
			key := item.Source + "\x00" + item.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged.Items = append(merged.Items, item)
		}
		if res.val.HasNextPage {
			merged.HasNextPage = true
			page := st.next[res.id]
			if page == 0 {
				page = 1
			}
			next[res.id] = page + 1
		}
	}

	var cursorID string
	switch {
	case len(next) > 0:
		cursorID = s.cursors.create(cursorState{
			op:      st.op,
			scope:   st.scope,
			query:   st.query,
			filters: st.filters,
			next:    next,
		})
	case st.next != nil:
		// The chain ended on this fetch. Issue a terminal cursor so a
		// further fetch reports exhaustion instead of silently
		// re-serving the last page.
		cursorID = s.cursors.create(cursorState{
			op:      st.op,
			scope:   st.scope,
			query:   st.query,
			filters: st.filters,
		})
	}

	observability.RecordAggregateFanout(st.op, len(results), len(failures))
	slog.Debug("search dispatch complete",
		"scope", st.scope,
		"targets", len(leases),
		"items", len(merged.Items),
		"failures", len(failures),
		"has_next", merged.HasNextPage,
	)

	return &SearchResult{Page: merged, Cursor: cursorID, Failures: failures}, nil
}

// SeriesInfo returns full details for one series from one extension.
func (s *Service) SeriesInfo(ctx context.Context, id, seriesID string) (catalog.SeriesSummary, error) {
	lease, err := s.reg.Acquire(id)
	if err != nil {
		return catalog.SeriesSummary{}, err
	}
	defer lease.Release()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return catalog.SeriesSummary{}, err
	}
	defer s.sem.Release(1)

	return lease.Extractor().SeriesInfo(ctx, seriesID)
}

// Episodes lists one page of a series' episodes. A non-empty cursor resumes
// a previous listing; the stored extension and series ids are authoritative,
// and non-empty values passed alongside the cursor must match them.
func (s *Service) Episodes(ctx context.Context, id, seriesID, cursor string) (*EpisodesResult, error) {
	if cursor != "" {
		return s.episodesNext(ctx, id, seriesID, cursor)
	}

	lease, err := s.reg.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return s.episodesPage(ctx, lease, cursorState{op: extractor.OpEpisodes, scope: id, query: seriesID}, 0)
}

// episodesNext redeems an episode-listing cursor.
func (s *Service) episodesNext(ctx context.Context, id, seriesID, cursor string) (*EpisodesResult, error) {
	st, ok := s.cursors.get(cursor)
	if !ok {
		return nil, ErrCursorUnknown
	}
	if st.op != extractor.OpEpisodes {
		return nil, fmt.Errorf("%w: cursor was issued for %s", ErrCursorMismatch, st.op)
	}
	if id != "" && id != st.scope {
		return nil, fmt.Errorf("%w: cursor was issued for extension %s", ErrCursorMismatch, st.scope)
	}
	if seriesID != "" && seriesID != st.query {
		return nil, fmt.Errorf("%w: series changed", ErrCursorMismatch)
	}
	if len(st.next) == 0 {
		return nil, ErrCursorExhausted
	}

	lease, err := s.reg.Acquire(st.scope)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return s.episodesPage(ctx, lease, st, st.next[st.scope])
}

func (s *Service) episodesPage(ctx context.Context, lease *registry.Lease, st cursorState, page uint16) (*EpisodesResult, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	result, err := lease.Extractor().Episodes(ctx, st.query, page)
	if err != nil {
		return nil, err
	}

	var cursorID string
	switch {
	case result.HasNextPage:
		if page == 0 {
			page = 1
		}
		cursorID = s.cursors.create(cursorState{
			op:    st.op,
			scope: st.scope,
			query: st.query,
			next:  map[string]uint16{st.scope: page + 1},
		})
	case st.next != nil:
		cursorID = s.cursors.create(cursorState{
			op:    st.op,
			scope: st.scope,
			query: st.query,
		})
	}
	return &EpisodesResult{Page: result, Cursor: cursorID}, nil
}

// Videos resolves playable streams for one episode of one series.
func (s *Service) Videos(ctx context.Context, id, seriesID, episodeID string) ([]catalog.VideoStream, error) {
	lease, err := s.reg.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	return lease.Extractor().Videos(ctx, seriesID, episodeID)
}
