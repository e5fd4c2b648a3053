// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package extension

import (
	"encoding/json"
	"math"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// adapter maps wire payloads of one generation onto the catalog types.
// Legacy responses arrive bare; current responses arrive inside a Result
// envelope. All decode failures carry KindMalformed.
type adapter struct {
	ext string
	gen Generation
}

// unwrap strips the generation's success envelope from a raw response and
// surfaces extension-reported failures as classified errors.
func (a adapter) unwrap(op string, raw []byte) ([]byte, error) {
	if a.gen == GenerationLegacy {
		return raw, nil
	}

	var res extractor.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, NewError(KindMalformed, a.ext, op, err)
	}
	if res.Err != nil {
		if res.OK != nil {
			return nil, Errorf(KindMalformed, a.ext, op, "result carries both ok and err")
		}
		switch res.Err.Code {
		case extractor.ErrorCodeNotFound:
			return nil, Errorf(KindNotFound, a.ext, op, "%s", res.Err.Message)
		case extractor.ErrorCodeNetwork:
			return nil, Errorf(KindNetwork, a.ext, op, "%s", res.Err.Message)
		default:
			// Minor contract revisions may add codes; treat them as
			// upstream failures rather than rejecting the envelope.
			return nil, Errorf(KindNetwork, a.ext, op, "%s (code %q)", res.Err.Message, res.Err.Code)
		}
	}
	if res.OK == nil {
		return nil, Errorf(KindMalformed, a.ext, op, "result carries neither ok nor err")
	}
	return res.OK, nil
}

// filters decodes a filter listing. Legacy listings are flat identifier
// tuples; each becomes a single-filter category with the identifier as both
// category id and display name.
func (a adapter) filters(raw []byte) ([]catalog.FilterCategory, error) {
	payload, err := a.unwrap(extractor.OpFilters, raw)
	if err != nil {
		return nil, err
	}

	if a.gen == GenerationLegacy {
		return a.legacyFilters(payload)
	}

	var cats []catalog.FilterCategory
	if err := json.Unmarshal(payload, &cats); err != nil {
		return nil, NewError(KindMalformed, a.ext, extractor.OpFilters, err)
	}
	for i := range cats {
		if cats[i].ID == "" {
			return nil, Errorf(KindMalformed, a.ext, extractor.OpFilters, "filter category without id")
		}
		if cats[i].Filters == nil {
			cats[i].Filters = []catalog.Filter{}
		}
	}
	if cats == nil {
		cats = []catalog.FilterCategory{}
	}
	return cats, nil
}

func (a adapter) legacyFilters(payload []byte) ([]catalog.FilterCategory, error) {
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsArray() {
		return nil, Errorf(KindMalformed, a.ext, extractor.OpFilters, "filter listing is not an array")
	}

	cats := []catalog.FilterCategory{}
	var decodeErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		var id, name string
		switch {
		case item.IsArray():
			pair := item.Array()
			if len(pair) < 2 || pair[0].Type != gjson.String || pair[1].Type != gjson.String {
				decodeErr = Errorf(KindMalformed, a.ext, extractor.OpFilters, "filter tuple must be two strings")
				return false
			}
			id, name = pair[0].String(), pair[1].String()
		case item.IsObject():
			id = item.Get("id").String()
			name = item.Get("display_name").String()
		default:
			decodeErr = Errorf(KindMalformed, a.ext, extractor.OpFilters, "filter entry is neither tuple nor object")
			return false
		}
		if id == "" {
			decodeErr = Errorf(KindMalformed, a.ext, extractor.OpFilters, "filter entry without id")
			return false
		}
		cats = append(cats, catalog.FilterCategory{
			ID:          id,
			DisplayName: id,
			Filters:     []catalog.Filter{{ID: id, DisplayName: name}},
		})
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return cats, nil
}

// seriesPage decodes a search response. Legacy extensions return a bare
// series list, surfaced as a single page with no successor.
func (a adapter) seriesPage(raw []byte) (catalog.Page[catalog.SeriesSummary], error) {
	var page catalog.Page[catalog.SeriesSummary]

	payload, err := a.unwrap(extractor.OpSearch, raw)
	if err != nil {
		return page, err
	}

	var items []extractor.Series
	if a.gen == GenerationLegacy {
		if err := json.Unmarshal(payload, &items); err != nil {
			return page, NewError(KindMalformed, a.ext, extractor.OpSearch, err)
		}
	} else {
		var wire extractor.SeriesPage
		if err := json.Unmarshal(payload, &wire); err != nil {
			return page, NewError(KindMalformed, a.ext, extractor.OpSearch, err)
		}
		items = wire.Items
		page.HasNextPage = wire.HasNextPage
	}

	page.Items = make([]catalog.SeriesSummary, 0, len(items))
	for _, s := range items {
		mapped, err := a.mapSeries(extractor.OpSearch, s)
		if err != nil {
			return catalog.Page[catalog.SeriesSummary]{}, err
		}
		page.Items = append(page.Items, mapped)
	}
	return page, nil
}

// series decodes a get_series_info response. Legacy extensions return the
// bare series object.
func (a adapter) series(raw []byte) (catalog.SeriesSummary, error) {
	payload, err := a.unwrap(extractor.OpSeriesInfo, raw)
	if err != nil {
		return catalog.SeriesSummary{}, err
	}

	var s extractor.Series
	if err := json.Unmarshal(payload, &s); err != nil {
		return catalog.SeriesSummary{}, NewError(KindMalformed, a.ext, extractor.OpSeriesInfo, err)
	}
	return a.mapSeries(extractor.OpSeriesInfo, s)
}

// episodePage decodes an episode listing. Legacy extensions return a bare
// episode list, surfaced as a single page with no successor.
func (a adapter) episodePage(raw []byte) (catalog.Page[catalog.Episode], error) {
	var page catalog.Page[catalog.Episode]

	payload, err := a.unwrap(extractor.OpEpisodes, raw)
	if err != nil {
		return page, err
	}

	var items []extractor.Episode
	if a.gen == GenerationLegacy {
		if err := json.Unmarshal(payload, &items); err != nil {
			return page, NewError(KindMalformed, a.ext, extractor.OpEpisodes, err)
		}
	} else {
		var wire extractor.EpisodePage
		if err := json.Unmarshal(payload, &wire); err != nil {
			return page, NewError(KindMalformed, a.ext, extractor.OpEpisodes, err)
		}
		items = wire.Items
		page.HasNextPage = wire.HasNextPage
	}

	page.Items = make([]catalog.Episode, 0, len(items))
	for _, e := range items {
		if e.ID == "" {
			return catalog.Page[catalog.Episode]{}, Errorf(KindMalformed, a.ext, extractor.OpEpisodes, "episode without id")
		}
		page.Items = append(page.Items, catalog.Episode{
			Source:       a.ext,
			ID:           e.ID,
			Number:       e.Number,
			Title:        e.Title,
			ThumbnailURL: sanitizeURL(e.ThumbnailURL),
			Description:  e.Description,
		})
	}
	return page, nil
}

// videos decodes a stream listing. Legacy entries carry tuple headers and a
// tuple resolution; current entries carry a header map and a structured
// resolution.
func (a adapter) videos(raw []byte) ([]catalog.VideoStream, error) {
	payload, err := a.unwrap(extractor.OpVideos, raw)
	if err != nil {
		return nil, err
	}

	if a.gen == GenerationLegacy {
		return a.legacyVideos(payload)
	}

	var items []extractor.Video
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, NewError(KindMalformed, a.ext, extractor.OpVideos, err)
	}
	streams := make([]catalog.VideoStream, 0, len(items))
	for _, v := range items {
		if !validAbsoluteURL(v.URL) {
			return nil, Errorf(KindMalformed, a.ext, extractor.OpVideos, "video url %q is not an absolute http(s) URL", v.URL)
		}
		streams = append(streams, catalog.VideoStream{
			URL:        v.URL,
			Headers:    v.Headers,
			Server:     v.Server,
			Resolution: catalog.Resolution{Width: v.Resolution.Width, Height: v.Resolution.Height},
		})
	}
	return streams, nil
}

func (a adapter) legacyVideos(payload []byte) ([]catalog.VideoStream, error) {
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsArray() {
		return nil, Errorf(KindMalformed, a.ext, extractor.OpVideos, "video listing is not an array")
	}

	streams := []catalog.VideoStream{}
	var decodeErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			decodeErr = Errorf(KindMalformed, a.ext, extractor.OpVideos, "video entry is not an object")
			return false
		}
		rawURL := item.Get("video_url").String()
		if !validAbsoluteURL(rawURL) {
			decodeErr = Errorf(KindMalformed, a.ext, extractor.OpVideos, "video url %q is not an absolute http(s) URL", rawURL)
			return false
		}

		stream := catalog.VideoStream{
			URL:    rawURL,
			Server: item.Get("server").String(),
		}

		headers := item.Get("video_headers")
		if headers.Exists() {
			if !headers.IsArray() {
				decodeErr = Errorf(KindMalformed, a.ext, extractor.OpVideos, "video_headers is not an array")
				return false
			}
			stream.Headers = map[string]string{}
			headers.ForEach(func(_, h gjson.Result) bool {
				pair := h.Array()
				if !h.IsArray() || len(pair) < 2 {
					decodeErr = Errorf(KindMalformed, a.ext, extractor.OpVideos, "video header is not a pair")
					return false
				}
				stream.Headers[pair[0].String()] = pair[1].String()
				return true
			})
			if decodeErr != nil {
				return false
			}
		}

		res := item.Get("resolution")
		if res.Exists() {
			dims := res.Array()
			if !res.IsArray() || len(dims) < 2 {
				decodeErr = Errorf(KindMalformed, a.ext, extractor.OpVideos, "resolution is not a pair")
				return false
			}
			w, h := dims[0].Int(), dims[1].Int()
			if w < 0 || w > math.MaxUint16 || h < 0 || h > math.MaxUint16 {
				decodeErr = Errorf(KindMalformed, a.ext, extractor.OpVideos, "resolution %dx%d out of range", w, h)
				return false
			}
			stream.Resolution = catalog.Resolution{Width: uint16(w), Height: uint16(h)}
		}

		streams = append(streams, stream)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return streams, nil
}

func (a adapter) mapSeries(op string, s extractor.Series) (catalog.SeriesSummary, error) {
	if s.ID == "" {
		return catalog.SeriesSummary{}, Errorf(KindMalformed, a.ext, op, "series without id")
	}
	if s.Title == "" {
		return catalog.SeriesSummary{}, Errorf(KindMalformed, a.ext, op, "series %q without title", s.ID)
	}
	return catalog.SeriesSummary{
		Source:    a.ext,
		ID:        s.ID,
		Title:     s.Title,
		PosterURL: sanitizeURL(s.PosterURL),
		Synopsis:  s.Synopsis,
		Type:      s.Type,
	}, nil
}

func validAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// sanitizeURL blanks decorative URLs that are not absolute http(s). Artwork
// is optional; a bad poster must not fail the whole response.
func sanitizeURL(s string) string {
	if s == "" || !validAbsoluteURL(s) {
		return ""
	}
	return s
}
