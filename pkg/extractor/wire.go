// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package extractor

import "encoding/json"

// Result is the response envelope for every fallible operation under the
// current contract. Exactly one of OK and Err is set.
type Result struct {
	OK  json.RawMessage `json:"ok,omitempty"`
	Err *Error          `json:"err,omitempty"`
}

// Error is a failure reported by the extension itself, as opposed to a
// sandbox crash.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorCode classifies an extension-reported failure.
type ErrorCode string

const (
	// ErrorCodeNetwork covers upstream connectivity and HTTP failures.
	ErrorCodeNetwork ErrorCode = "network"
	// ErrorCodeNotFound means the requested entity does not exist at the
	// source.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeDenied is only produced by HostFuncHTTPRequest: the request
	// host is not covered by the extension's net grants.
	ErrorCodeDenied ErrorCode = "denied"
	// ErrorCodeInvalid is only produced by HostFuncHTTPRequest: the request
	// payload itself was rejected before dispatch.
	ErrorCodeInvalid ErrorCode = "invalid_request"
)

// SearchRequest is the payload for OpSearch. Page zero or absent means the
// first page.
type SearchRequest struct {
	Query   string         `json:"query"`
	Page    uint16         `json:"page,omitempty"`
	Filters []SearchFilter `json:"filters,omitempty"`
}

// SeriesRequest is the payload for OpSeriesInfo.
type SeriesRequest struct {
	SeriesID string `json:"series_id"`
}

// EpisodesRequest is the payload for OpEpisodes. Page zero or absent means
// the first page.
type EpisodesRequest struct {
	SeriesID string `json:"series_id"`
	Page     uint16 `json:"page,omitempty"`
}

// VideosRequest is the payload for OpVideos.
type VideosRequest struct {
	SeriesID  string `json:"series_id"`
	EpisodeID string `json:"episode_id"`
}

// Filter is one selectable value inside a filter category.
type Filter struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// FilterCategory groups related filters, e.g. all genres.
type FilterCategory struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Filters     []Filter `json:"filters"`
}

// SearchFilter selects values from one category in a search request.
type SearchFilter struct {
	ID     string   `json:"id"`
	Values []string `json:"values"`
}

// Series describes one series at the source.
type Series struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	PosterURL string `json:"poster_url,omitempty"`
	Synopsis  string `json:"synopsis,omitempty"`
	Type      string `json:"type,omitempty"`
}

// SeriesPage is the OpSearch success payload.
type SeriesPage struct {
	Items       []Series `json:"items"`
	HasNextPage bool     `json:"has_next_page"`
}

// Episode describes one episode of a series.
type Episode struct {
	ID           string `json:"id"`
	Number       uint16 `json:"number"`
	Title        string `json:"title,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Description  string `json:"description,omitempty"`
}

// EpisodePage is the OpEpisodes success payload.
type EpisodePage struct {
	Items       []Episode `json:"items"`
	HasNextPage bool      `json:"has_next_page"`
}

// Resolution is a video resolution in pixels.
type Resolution struct {
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

// Video is one playable stream for an episode. Headers are sent verbatim
// with the playback request.
type Video struct {
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Server     string            `json:"server"`
	Resolution Resolution        `json:"resolution"`
}

// HTTPRequest is the payload an extension passes to HostFuncHTTPRequest.
// Body is base64-encoded on the wire.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is the payload HostFuncHTTPRequest returns inside a Result
// envelope. Body is base64-encoded on the wire and capped by host
// configuration. Redirects are not followed; 3xx responses come back
// verbatim so the extension re-requests, and every hop is re-gated against
// its grants.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}
