// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package extension

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// Generation is a contract major version understood by the host. The wire
// shapes of the two generations differ; the adapter in adapt.go maps both
// onto the catalog types.
type Generation uint8

const (
	// GenerationLegacy is contract major 1: tuple filter listings, bare
	// returns without a result envelope, single-page episode listing.
	GenerationLegacy Generation = 1
	// GenerationCurrent is contract major 2: result envelopes, structured
	// filter categories, optional pagination on listings.
	GenerationCurrent Generation = 2
)

func (g Generation) String() string {
	switch g {
	case GenerationLegacy:
		return "legacy"
	case GenerationCurrent:
		return "current"
	default:
		return fmt.Sprintf("generation(%d)", uint8(g))
	}
}

// GenerationOf maps a handshaken contract version to its generation.
func GenerationOf(v *semver.Version) (Generation, error) {
	switch v.Major() {
	case extractor.ContractMajorLegacy:
		return GenerationLegacy, nil
	case extractor.ContractMajorCurrent:
		return GenerationCurrent, nil
	default:
		return 0, fmt.Errorf("contract %s: %w", v, ErrUnsupportedContract)
	}
}

// legacyPair is the two-element tuple the legacy generation uses for filter
// identifiers and search filter values.
type legacyPair [2]string

// legacySearchRequest is the search payload for legacy extensions. Filters
// are flattened to (id, value) pairs.
type legacySearchRequest struct {
	Query   string       `json:"query"`
	Page    uint16       `json:"page,omitempty"`
	Filters []legacyPair `json:"filters,omitempty"`
}

// legacyEpisodesRequest omits the page: legacy episode listing is single
// page and is never advanced.
type legacyEpisodesRequest struct {
	SeriesID string `json:"series_id"`
}

func (a adapter) filtersRequest() []byte {
	return []byte("{}")
}

func (a adapter) searchRequest(query string, page uint16, filters []catalog.SearchFilter) ([]byte, error) {
	if a.gen == GenerationLegacy {
		req := legacySearchRequest{Query: query, Page: page}
		for _, f := range filters {
			for _, v := range f.Values {
				req.Filters = append(req.Filters, legacyPair{f.ID, v})
			}
		}
		return json.Marshal(req)
	}

	req := extractor.SearchRequest{Query: query, Page: page}
	for _, f := range filters {
		req.Filters = append(req.Filters, extractor.SearchFilter{ID: f.ID, Values: f.Values})
	}
	return json.Marshal(req)
}

func (a adapter) seriesRequest(seriesID string) ([]byte, error) {
	return json.Marshal(extractor.SeriesRequest{SeriesID: seriesID})
}

func (a adapter) episodesRequest(seriesID string, page uint16) ([]byte, error) {
	if a.gen == GenerationLegacy {
		return json.Marshal(legacyEpisodesRequest{SeriesID: seriesID})
	}
	return json.Marshal(extractor.EpisodesRequest{SeriesID: seriesID, Page: page})
}

func (a adapter) videosRequest(seriesID, episodeID string) ([]byte, error) {
	return json.Marshal(extractor.VideosRequest{SeriesID: seriesID, EpisodeID: episodeID})
}
