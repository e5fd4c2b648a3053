// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package extension

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
	"github.com/tsuzuki-app/tsuzuki/internal/observability"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// Call handling defaults, overridable per Extractor.
const (
	defaultCallTimeout    = 10 * time.Second
	defaultTimeoutRetries = 2

	// retryInterval is the pause between timed-out attempts.
	retryInterval = 100 * time.Millisecond
)

// Extractor is the typed facade over one loaded extension instance. It
// encodes requests for the instance's generation, bounds every call with a
// deadline and a retry budget, decodes responses into catalog types, and
// escalates crashes and exhausted timeout budgets through the fault handler.
type Extractor struct {
	id      string
	inst    Instance
	adapt   adapter
	timeout time.Duration
	retries uint64
	onFault func(*Error)
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithCallTimeout sets the per-attempt deadline.
func WithCallTimeout(d time.Duration) ExtractorOption {
	return func(x *Extractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithTimeoutRetries sets how many times a timed-out call is retried before
// the failure escalates.
func WithTimeoutRetries(n uint64) ExtractorOption {
	return func(x *Extractor) { x.retries = n }
}

// WithFaultHandler sets the callback invoked when a call crashes the sandbox
// or exhausts the timeout retry budget. The registry uses it to move the
// extension to the faulted state.
func WithFaultHandler(fn func(*Error)) ExtractorOption {
	return func(x *Extractor) { x.onFault = fn }
}

// NewExtractor wraps a loaded instance. The instance's handshaken contract
// version decides which wire generation the facade speaks.
func NewExtractor(id string, inst Instance, opts ...ExtractorOption) (*Extractor, error) {
	gen, err := GenerationOf(inst.Contract())
	if err != nil {
		return nil, NewError(KindVersionMismatch, id, "", err)
	}

	x := &Extractor{
		id:      id,
		inst:    inst,
		adapt:   adapter{ext: id, gen: gen},
		timeout: defaultCallTimeout,
		retries: defaultTimeoutRetries,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// ID returns the extension ID this facade fronts.
func (x *Extractor) ID() string { return x.id }

// Generation returns the wire generation in use.
func (x *Extractor) Generation() Generation { return x.adapt.gen }

// Contract returns the handshaken contract version.
func (x *Extractor) Contract() *semver.Version { return x.inst.Contract() }

// Filters lists the extension's filter categories. It never fails from the
// caller's perspective: any error collapses to an empty listing with a
// fault record in the log and metrics, so a broken filter endpoint cannot
// block searching.
func (x *Extractor) Filters(ctx context.Context) []catalog.FilterCategory {
	raw, err := x.call(ctx, extractor.OpFilters, x.adapt.filtersRequest())
	if err != nil {
		return []catalog.FilterCategory{}
	}

	cats, err := x.adapt.filters(raw)
	if err != nil {
		x.observeDecode(extractor.OpFilters, err)
		return []catalog.FilterCategory{}
	}
	return cats
}

// Search queries the extension's catalog. Page zero means the first page.
func (x *Extractor) Search(ctx context.Context, query string, page uint16, filters []catalog.SearchFilter) (catalog.Page[catalog.SeriesSummary], error) {
	req, err := x.adapt.searchRequest(query, page, filters)
	if err != nil {
		return catalog.Page[catalog.SeriesSummary]{}, oops.In("extension").
			With("extension", x.id).
			Wrapf(err, "encode search request")
	}

	raw, err := x.call(ctx, extractor.OpSearch, req)
	if err != nil {
		return catalog.Page[catalog.SeriesSummary]{}, err
	}

	page2, err := x.adapt.seriesPage(raw)
	if err != nil {
		x.observeDecode(extractor.OpSearch, err)
		return catalog.Page[catalog.SeriesSummary]{}, err
	}
	return page2, nil
}

// SeriesInfo fetches the summary of one series.
func (x *Extractor) SeriesInfo(ctx context.Context, seriesID string) (catalog.SeriesSummary, error) {
	req, err := x.adapt.seriesRequest(seriesID)
	if err != nil {
		return catalog.SeriesSummary{}, oops.In("extension").
			With("extension", x.id).
			Wrapf(err, "encode series request")
	}

	raw, err := x.call(ctx, extractor.OpSeriesInfo, req)
	if err != nil {
		return catalog.SeriesSummary{}, err
	}

	s, err := x.adapt.series(raw)
	if err != nil {
		x.observeDecode(extractor.OpSeriesInfo, err)
		return catalog.SeriesSummary{}, err
	}
	return s, nil
}

// Episodes lists one page of a series' episodes. Page zero means the first
// page. Legacy extensions are single page; their page argument is never
// advanced because they always report no successor.
func (x *Extractor) Episodes(ctx context.Context, seriesID string, page uint16) (catalog.Page[catalog.Episode], error) {
	req, err := x.adapt.episodesRequest(seriesID, page)
	if err != nil {
		return catalog.Page[catalog.Episode]{}, oops.In("extension").
			With("extension", x.id).
			Wrapf(err, "encode episodes request")
	}

	raw, err := x.call(ctx, extractor.OpEpisodes, req)
	if err != nil {
		return catalog.Page[catalog.Episode]{}, err
	}

	eps, err := x.adapt.episodePage(raw)
	if err != nil {
		x.observeDecode(extractor.OpEpisodes, err)
		return catalog.Page[catalog.Episode]{}, err
	}
	return eps, nil
}

// Videos lists the playable streams for one episode.
func (x *Extractor) Videos(ctx context.Context, seriesID, episodeID string) ([]catalog.VideoStream, error) {
	req, err := x.adapt.videosRequest(seriesID, episodeID)
	if err != nil {
		return nil, oops.In("extension").
			With("extension", x.id).
			Wrapf(err, "encode videos request")
	}

	raw, err := x.call(ctx, extractor.OpVideos, req)
	if err != nil {
		return nil, err
	}

	streams, err := x.adapt.videos(raw)
	if err != nil {
		x.observeDecode(extractor.OpVideos, err)
		return nil, err
	}
	return streams, nil
}

// call dispatches one operation with the per-attempt deadline and the
// timeout retry budget. Crashes and exhausted budgets escalate through the
// fault handler; caller-side cancellation passes through unclassified.
func (x *Extractor) call(ctx context.Context, op string, req []byte) ([]byte, error) {
	start := time.Now()
	defer observability.TrackExtensionInFlight(x.id)()

	var raw []byte
	backoff := retry.WithMaxRetries(x.retries, retry.NewConstant(retryInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, x.timeout)
		defer cancel()

		var callErr error
		raw, callErr = x.inst.Call(attemptCtx, op, req)
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			return retry.RetryableError(callErr)
		}
		return callErr
	})

	if err != nil {
		// The caller giving up is not the extension's fault.
		if ctx.Err() != nil {
			observability.RecordExtensionCall(x.id, op, "canceled", time.Since(start))
			return nil, ctx.Err()
		}

		classified := x.classify(op, err)
		outcome := classified.Kind.String()
		observability.RecordExtensionCall(x.id, op, outcome, time.Since(start))
		slog.Warn("extension call failed",
			"extension", x.id,
			"op", op,
			"kind", outcome,
			"error", classified.Err)

		if classified.Kind == KindCrash || classified.Kind == KindTimeout {
			if x.onFault != nil {
				x.onFault(classified)
			}
		}
		return nil, classified
	}

	observability.RecordExtensionCall(x.id, op, "ok", time.Since(start))
	return raw, nil
}

func (x *Extractor) classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, x.id, op, err)
	}
	return NewError(KindCrash, x.id, op, err)
}

// observeDecode records adaptation failures; call metrics already saw the
// transport outcome. Errors the extension reported through its envelope are
// valid responses, not decode failures.
func (x *Extractor) observeDecode(op string, err error) {
	if !IsKind(err, KindMalformed) {
		return
	}
	observability.RecordExtensionDecodeFailure(x.id, op)
	slog.Warn("extension response rejected",
		"extension", x.id,
		"op", op,
		"error", err)
}
