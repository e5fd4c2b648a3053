// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package catalog defines the canonical in-memory model for series, episodes,
// video streams, and search filters. Every extractor response is adapted into
// these types before it leaves the extension layer; callers never see raw
// extension output, regardless of which contract generation produced it.
package catalog

// Filter is one selectable value inside a filter category.
type Filter struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// FilterCategory is a named group of selectable filter values.
type FilterCategory struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Filters     []Filter `json:"filters"`
}

// SearchFilter selects values from one filter category for a search call.
// Category ids are passed through to the extension unmodified; validating
// them is the extension's responsibility.
type SearchFilter struct {
	ID     string   `json:"id"`
	Values []string `json:"values"`
}

// SeriesSummary describes one series as seen by the host. Series ids are
// scoped to the extension that returned them; the effective identity of a
// series is the pair (Source, ID).
type SeriesSummary struct {
	// Source is the id of the extension this series came from.
	Source string `json:"source"`
	// ID is the extension-scoped series id.
	ID        string `json:"id"`
	Title     string `json:"title"`
	PosterURL string `json:"poster_url,omitempty"`
	Synopsis  string `json:"synopsis,omitempty"`
	// Type is a free-form classification such as "TV" or "Movie".
	Type string `json:"type,omitempty"`
}

// Episode is a single episode of a series. Episode ids are scoped to the
// extension; an episode belongs to exactly one series from exactly one
// extension.
type Episode struct {
	Source       string `json:"source"`
	ID           string `json:"id"`
	Number       uint16 `json:"number"`
	Title        string `json:"title,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Resolution is a video resolution in pixels.
type Resolution struct {
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

// VideoStream is a resolved playable source for one episode. An episode
// resolves to zero or more streams, each independently playable; no ordering
// is implied beyond the order the extension returned them in.
type VideoStream struct {
	URL string `json:"url"`
	// Headers are required request headers for fetching the stream.
	Headers    map[string]string `json:"headers,omitempty"`
	Server     string            `json:"server"`
	Resolution Resolution        `json:"resolution"`
}

// Page is one page of an ordered result sequence. It carries no page number;
// pagination position is tracked by the opaque cursor issued alongside it.
type Page[T any] struct {
	Items       []T  `json:"items"`
	HasNextPage bool `json:"has_next_page"`
}
