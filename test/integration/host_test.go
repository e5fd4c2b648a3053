// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

//go:build integration

// Package integration provides end-to-end integration tests for Tsuzuki.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/tsuzuki-app/tsuzuki/internal/aggregate"
	"github.com/tsuzuki-app/tsuzuki/internal/api"
	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
	"github.com/tsuzuki-app/tsuzuki/internal/extension"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/capability"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/hostfunc"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/lua"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/registry"
	"github.com/tsuzuki-app/tsuzuki/internal/extension/wasm"
	"github.com/tsuzuki-app/tsuzuki/internal/store"
)

// aozoraScript is a current-generation extension with a paginated catalog.
const aozoraScript = `
CONTRACT_VERSION = "2.0.0"

local PAGE_SIZE = 2

local CATALOG = {
  {
    id = "tidal-archive",
    title = "Tidal Archive",
    synopsis = "A coastal library restores water-damaged film reels.",
    type = "TV",
    episodes = {
      { id = "ta-1", number = 1, title = "First Flood" },
      { id = "ta-2", number = 2, title = "Breakwater" },
      { id = "ta-3", number = 3, title = "Spring Tide" },
    },
  },
  {
    id = "paper-crane",
    title = "Paper Crane",
    synopsis = "A delivery service staffed entirely by retired stunt pilots.",
    type = "TV",
    episodes = {
      { id = "pcr-1", number = 1, title = "Maiden Flight" },
    },
  },
  {
    id = "glass-orchard",
    title = "Glass Orchard",
    synopsis = "Greenhouse keepers trade rumors with the night train crew.",
    type = "ONA",
    episodes = {
      { id = "go-1", number = 1, title = "Seedling" },
      { id = "go-2", number = 2, title = "Harvest" },
    },
  },
}

local function ok(value)
  return { ok = value }
end

local function fail(code, message)
  return { err = { code = code, message = message } }
end

local function find_series(id)
  for _, s in ipairs(CATALOG) do
    if s.id == id then
      return s
    end
  end
  return nil
end

local function page_of(list, page)
  local first = (page - 1) * PAGE_SIZE + 1
  local items = {}
  for i = first, math.min(first + PAGE_SIZE - 1, #list) do
    items[#items + 1] = list[i]
  end
  return items, first + PAGE_SIZE <= #list
end

function filters(_)
  return ok({
    {
      id = "genre",
      display_name = "Genre",
      filters = {
        { id = "drama", display_name = "Drama" },
        { id = "comedy", display_name = "Comedy" },
      },
    },
  })
end

function search(req)
  local query = string.lower(req.query or "")
  local hits = {}
  for _, s in ipairs(CATALOG) do
    if query == "" or string.find(string.lower(s.title), query, 1, true) then
      hits[#hits + 1] = { id = s.id, title = s.title, synopsis = s.synopsis, type = s.type }
    end
  end
  local items, more = page_of(hits, req.page or 1)
  return ok({ items = items, has_next_page = more })
end

function get_series_info(req)
  local s = find_series(req.series_id)
  if s == nil then
    return fail("not_found", "no series " .. tostring(req.series_id))
  end
  return ok({ id = s.id, title = s.title, synopsis = s.synopsis, type = s.type })
end

function get_series_episodes(req)
  local s = find_series(req.series_id)
  if s == nil then
    return fail("not_found", "no series " .. tostring(req.series_id))
  end
  local items, more = page_of(s.episodes, req.page or 1)
  return ok({ items = items, has_next_page = more })
end

function get_series_videos(req)
  local s = find_series(req.series_id)
  if s == nil then
    return fail("not_found", "no series " .. tostring(req.series_id))
  end
  local found = nil
  for _, e in ipairs(s.episodes) do
    if e.id == req.episode_id then
      found = e
    end
  end
  if found == nil then
    return fail("not_found", "no episode " .. tostring(req.episode_id))
  end
  local base = "https://media.aozora.invalid/" .. s.id .. "/" .. found.id
  return ok({
    {
      url = base .. "/720.mp4",
      server = "aozora-1",
      headers = { Referer = "https://aozora.invalid" },
      resolution = { width = 1280, height = 720 },
    },
    {
      url = base .. "/1080.mp4",
      server = "aozora-1",
      resolution = { width = 1920, height = 1080 },
    },
  })
end
`

// jijiScript is a legacy-generation extension: bare returns, tuple filters,
// single-page listings.
const jijiScript = `
CONTRACT_VERSION = "1.0.0"

local SERIES = {
  { id = "old-harbor", title = "Old Harbor", synopsis = "Slow days in a retired shipping port." },
  { id = "tin-sky", title = "Tin Sky", synopsis = "Weather balloons with opinions." },
}

local EPISODES = {
  ["old-harbor"] = {
    { id = "oh-1", number = 1, title = "Arrival" },
    { id = "oh-2", number = 2, title = "Departure" },
  },
  ["tin-sky"] = {
    { id = "ts-1", number = 1, title = "Lift" },
  },
}

function filters(_)
  return { { "dub", "Dubbed" }, { "sub", "Subtitled" } }
end

function search(req)
  local query = string.lower(req.query or "")
  local hits = {}
  for _, s in ipairs(SERIES) do
    if query == "" or string.find(string.lower(s.title), query, 1, true) then
      hits[#hits + 1] = s
    end
  end
  return hits
end

function get_series_info(req)
  for _, s in ipairs(SERIES) do
    if s.id == req.series_id then
      return s
    end
  end
  return {}
end

function get_series_episodes(req)
  return EPISODES[req.series_id] or {}
end

function get_series_videos(req)
  return {
    {
      video_url = "https://cdn.jiji.invalid/" .. tostring(req.episode_id) .. "/480.mp4",
      server = "jiji-mirror",
      video_headers = { { "Referer", "https://jiji.invalid" } },
      resolution = { 640, 480 },
    },
  }
end
`

// kowaretaScript crashes on get_series_info and answers everything else with
// empty results.
const kowaretaScript = `
CONTRACT_VERSION = "2.0.0"

local function ok(value)
  return { ok = value }
end

function filters(_)
  return ok({})
end

function search(_)
  return ok({ items = {}, has_next_page = false })
end

function get_series_info(_)
  error("kowareta always breaks")
end

function get_series_episodes(_)
  return ok({ items = {}, has_next_page = false })
end

function get_series_videos(_)
  return ok({})
end
`

// hostEnv holds a full in-process extension host: discovered extensions, a
// persistent registry store, and the HTTP API listening on a loopback port.
type hostEnv struct {
	ctx      context.Context
	cancel   context.CancelFunc
	tmpDir   string
	store    *store.RegistryStore
	registry *registry.Registry
	apiStop  context.CancelFunc
	apiDone  chan struct{}
	baseURL  string
}

func writeLuaExtension(root, id, contract, script string) error {
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	manifest := fmt.Sprintf("id: %s\nname: %s\ncontract: %q\ntype: lua\nlua:\n  entry: main.lua\n", id, id, contract)
	if err := os.WriteFile(filepath.Join(dir, registry.ManifestName), []byte(manifest), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o644)
}

// setupHostEnv builds the host the way the serve command does and waits for
// the API to accept connections.
func setupHostEnv() (*hostEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	env := &hostEnv{
		ctx:    ctx,
		cancel: cancel,
	}

	tmpDir, err := os.MkdirTemp("", "tsuzuki-test-*")
	if err != nil {
		cancel()
		return nil, err
	}
	env.tmpDir = tmpDir

	extensionsDir := filepath.Join(tmpDir, "extensions")
	for _, ext := range []struct {
		id, contract, script string
	}{
		{"aozora", "2.0.0", aozoraScript},
		{"jiji", "1.0.0", jijiScript},
		{"kowareta", "2.0.0", kowaretaScript},
	} {
		if err := writeLuaExtension(extensionsDir, ext.id, ext.contract, ext.script); err != nil {
			env.cleanup()
			return nil, err
		}
	}

	env.store, err = store.OpenRegistryStore(filepath.Join(tmpDir, "registry"))
	if err != nil {
		env.cleanup()
		return nil, err
	}

	enforcer := capability.NewEnforcer()
	httpFn := hostfunc.NewHTTP(enforcer, hostfunc.HTTPOptions{})
	logSink := hostfunc.NewLogSink(nil)

	wasmRT, err := wasm.NewRuntime(ctx, httpFn, logSink)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	luaRT := lua.NewRuntime(httpFn, logSink)

	env.registry = registry.New(
		[]extension.Runtime{wasmRT, luaRT},
		registry.WithStore(env.store),
		registry.WithEnforcer(enforcer),
	)

	if err := env.registry.DiscoverAndLoad(ctx, extensionsDir); err != nil {
		env.cleanup()
		return nil, err
	}

	svc := aggregate.New(env.registry)
	srv := api.NewServer("127.0.0.1:0", env.registry, svc)

	apiCtx, apiStop := context.WithCancel(ctx)
	env.apiStop = apiStop
	env.apiDone = make(chan struct{})
	go func() {
		defer close(env.apiDone)
		_ = srv.Run(apiCtx)
	}()

	Eventually(srv.Addr, 5*time.Second).ShouldNot(BeEmpty(), "API server did not start")
	env.baseURL = "http://" + srv.Addr() + "/api/v1"

	return env, nil
}

// cleanup releases all host resources.
func (env *hostEnv) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env.apiStop != nil {
		env.apiStop()
		select {
		case <-env.apiDone:
		case <-ctx.Done():
		}
	}

	if env.registry != nil {
		_ = env.registry.Close(ctx)
	}

	if env.store != nil {
		_ = env.store.Close()
	}

	if env.tmpDir != "" {
		_ = os.RemoveAll(env.tmpDir)
	}

	env.cancel()
}

func (env *hostEnv) getJSON(path string, out any) int {
	resp, err := http.Get(env.baseURL + path)
	Expect(err).NotTo(HaveOccurred())
	return readJSON(resp, out)
}

func (env *hostEnv) postJSON(path string, body, out any) int {
	payload, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.Post(env.baseURL+path, "application/json", bytes.NewReader(payload))
	Expect(err).NotTo(HaveOccurred())
	return readJSON(resp, out)
}

func (env *hostEnv) delete(path string) int {
	req, err := http.NewRequest(http.MethodDelete, env.baseURL+path, nil)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return readJSON(resp, nil)
}

func readJSON(resp *http.Response, out any) int {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	if out != nil {
		Expect(json.Unmarshal(data, out)).To(Succeed(), "body: %s", data)
	}
	return resp.StatusCode
}

type extensionList struct {
	Extensions []registry.Info `json:"extensions"`
}

type filtersResponse struct {
	Filters []catalog.FilterCategory `json:"filters"`
}

type videosResponse struct {
	Videos []catalog.VideoStream `json:"videos"`
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func sourceCounts(items []catalog.SeriesSummary) map[string]int {
	counts := map[string]int{}
	for _, item := range items {
		counts[item.Source]++
	}
	return counts
}

var _ = Describe("Extension Host", func() {
	var env *hostEnv

	BeforeEach(func() {
		var err error
		env, err = setupHostEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("Discovery and lifecycle", func() {
		It("loads both generations and reports them ready", func() {
			var list extensionList
			Expect(env.getJSON("/extensions", &list)).To(Equal(http.StatusOK))
			Expect(list.Extensions).To(HaveLen(3))

			byID := map[string]registry.Info{}
			for _, info := range list.Extensions {
				byID[info.ID] = info
			}

			Expect(byID["aozora"].State).To(Equal(registry.StateReady))
			Expect(byID["aozora"].Contract).To(Equal("2.0.0"))
			Expect(byID["aozora"].Handshake).To(Equal("2.0.0"))
			Expect(byID["aozora"].Type).To(Equal(extension.TypeLua))

			Expect(byID["jiji"].State).To(Equal(registry.StateReady))
			Expect(byID["jiji"].Handshake).To(Equal("1.0.0"))
		})

		It("persists lifecycle records in the registry store", func() {
			rec, found, err := env.store.Get("aozora")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(rec.Runtime).To(Equal("lua"))
			Expect(rec.State).To(Equal("ready"))
			Expect(rec.Contract).To(Equal("2.0.0"))
		})

		It("reloads and unloads extensions over the API", func() {
			var info registry.Info
			Expect(env.postJSON("/extensions/jiji/reload", nil, &info)).To(Equal(http.StatusOK))
			Expect(info.State).To(Equal(registry.StateReady))

			Expect(env.delete("/extensions/jiji")).To(Equal(http.StatusNoContent))

			var list extensionList
			Expect(env.getJSON("/extensions", &list)).To(Equal(http.StatusOK))
			Expect(list.Extensions).To(HaveLen(2))

			_, found, err := env.store.Get("jiji")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse(), "unload should drop the persisted record")
		})
	})

	Describe("Aggregated search", func() {
		It("merges results from both generations", func() {
			var res aggregate.SearchResult
			Expect(env.postJSON("/search", map[string]any{"query": ""}, &res)).To(Equal(http.StatusOK))

			Expect(res.Failures).To(BeEmpty())
			counts := sourceCounts(res.Page.Items)
			Expect(counts["aozora"]).To(Equal(2), "first page of the paginated extension")
			Expect(counts["jiji"]).To(Equal(2), "full legacy result list")
			Expect(res.Cursor).NotTo(BeEmpty(), "a pending page should issue a cursor")
		})

		It("walks the cursor chain to exhaustion", func() {
			var first aggregate.SearchResult
			Expect(env.postJSON("/search", map[string]any{"query": ""}, &first)).To(Equal(http.StatusOK))
			Expect(first.Cursor).NotTo(BeEmpty())

			var second aggregate.SearchResult
			Expect(env.postJSON("/search", map[string]any{"query": "", "cursor": first.Cursor}, &second)).To(Equal(http.StatusOK))

			counts := sourceCounts(second.Page.Items)
			Expect(counts["aozora"]).To(Equal(1), "only the paginated extension advances")
			Expect(counts["jiji"]).To(BeZero())
			Expect(second.Cursor).NotTo(BeEmpty(), "the final page still issues a terminal cursor")

			var exhausted errorResponse
			Expect(env.postJSON("/search", map[string]any{"query": "", "cursor": second.Cursor}, &exhausted)).To(Equal(http.StatusGone))
			Expect(exhausted.Error.Kind).To(Equal("cursor_exhausted"))

			// Cursor states are immutable: the first cursor still serves its page.
			var again aggregate.SearchResult
			Expect(env.postJSON("/search", map[string]any{"query": "", "cursor": first.Cursor}, &again)).To(Equal(http.StatusOK))
			Expect(sourceCounts(again.Page.Items)["aozora"]).To(Equal(1))
		})

		It("scopes search to a single extension", func() {
			var res aggregate.SearchResult
			Expect(env.postJSON("/search", map[string]any{"scope": "jiji", "query": ""}, &res)).To(Equal(http.StatusOK))

			counts := sourceCounts(res.Page.Items)
			Expect(counts["jiji"]).To(Equal(2))
			Expect(counts["aozora"]).To(BeZero())
			Expect(res.Cursor).To(BeEmpty(), "legacy extension has nothing to advance")
		})

		It("rejects cursors redeemed under a different query", func() {
			var first aggregate.SearchResult
			Expect(env.postJSON("/search", map[string]any{"query": ""}, &first)).To(Equal(http.StatusOK))

			var mismatch errorResponse
			status := env.postJSON("/search", map[string]any{"query": "different", "cursor": first.Cursor}, &mismatch)
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(mismatch.Error.Kind).To(Equal("cursor_mismatch"))
		})

		It("adapts legacy filter tuples into categories", func() {
			var res filtersResponse
			Expect(env.getJSON("/extensions/jiji/filters", &res)).To(Equal(http.StatusOK))

			Expect(res.Filters).To(HaveLen(2))
			Expect(res.Filters[0].ID).To(Equal("dub"))
			Expect(res.Filters[0].DisplayName).To(Equal("dub"), "legacy tuples have no category name")
			Expect(res.Filters[0].Filters).To(HaveLen(1))
			Expect(res.Filters[0].Filters[0].DisplayName).To(Equal("Dubbed"))
		})

		It("serves structured filter categories", func() {
			var res filtersResponse
			Expect(env.getJSON("/extensions/aozora/filters", &res)).To(Equal(http.StatusOK))

			Expect(res.Filters).To(HaveLen(1))
			Expect(res.Filters[0].ID).To(Equal("genre"))
			Expect(res.Filters[0].DisplayName).To(Equal("Genre"))
			Expect(res.Filters[0].Filters).To(HaveLen(2))
		})
	})

	Describe("Series operations", func() {
		It("fetches series info, episodes and videos", func() {
			var series catalog.SeriesSummary
			Expect(env.getJSON("/extensions/aozora/series/tidal-archive", &series)).To(Equal(http.StatusOK))
			Expect(series.Source).To(Equal("aozora"))
			Expect(series.Title).To(Equal("Tidal Archive"))
			Expect(series.Type).To(Equal("TV"))

			var eps aggregate.EpisodesResult
			Expect(env.getJSON("/extensions/aozora/series/tidal-archive/episodes", &eps)).To(Equal(http.StatusOK))
			Expect(eps.Page.Items).To(HaveLen(2))
			Expect(eps.Page.Items[0].Number).To(Equal(uint16(1)))
			Expect(eps.Cursor).NotTo(BeEmpty())

			var rest aggregate.EpisodesResult
			Expect(env.getJSON("/extensions/aozora/series/tidal-archive/episodes?cursor="+eps.Cursor, &rest)).To(Equal(http.StatusOK))
			Expect(rest.Page.Items).To(HaveLen(1))
			Expect(rest.Page.Items[0].ID).To(Equal("ta-3"))

			var exhausted errorResponse
			status := env.getJSON("/extensions/aozora/series/tidal-archive/episodes?cursor="+rest.Cursor, &exhausted)
			Expect(status).To(Equal(http.StatusGone))
			Expect(exhausted.Error.Kind).To(Equal("cursor_exhausted"))

			var vids videosResponse
			Expect(env.getJSON("/extensions/aozora/series/tidal-archive/episodes/ta-1/videos", &vids)).To(Equal(http.StatusOK))
			Expect(vids.Videos).To(HaveLen(2))
			Expect(vids.Videos[0].Resolution.Height).To(Equal(uint16(720)))
			Expect(vids.Videos[0].Headers).To(HaveKeyWithValue("Referer", "https://aozora.invalid"))
		})

		It("maps extension not_found onto 404", func() {
			var res errorResponse
			status := env.getJSON("/extensions/aozora/series/ghost-series", &res)
			Expect(status).To(Equal(http.StatusNotFound))
			Expect(res.Error.Kind).To(Equal("not_found"))
			Expect(res.Error.Message).To(ContainSubstring("ghost-series"))
		})

		It("serves legacy episodes as a single page", func() {
			var eps aggregate.EpisodesResult
			Expect(env.getJSON("/extensions/jiji/series/old-harbor/episodes", &eps)).To(Equal(http.StatusOK))
			Expect(eps.Page.Items).To(HaveLen(2))
			Expect(eps.Page.HasNextPage).To(BeFalse())
			Expect(eps.Cursor).To(BeEmpty())
		})

		It("adapts legacy video tuples", func() {
			var vids videosResponse
			Expect(env.getJSON("/extensions/jiji/series/old-harbor/episodes/oh-1/videos", &vids)).To(Equal(http.StatusOK))
			Expect(vids.Videos).To(HaveLen(1))
			Expect(vids.Videos[0].URL).To(ContainSubstring("oh-1"))
			Expect(vids.Videos[0].Headers).To(HaveKeyWithValue("Referer", "https://jiji.invalid"))
			Expect(vids.Videos[0].Resolution).To(Equal(catalog.Resolution{Width: 640, Height: 480}))
		})
	})

	Describe("Faulting and recovery", func() {
		It("faults a crashing extension and recovers it on reload", func() {
			var crash errorResponse
			status := env.getJSON("/extensions/kowareta/series/anything", &crash)
			Expect(status).To(Equal(http.StatusBadGateway))
			Expect(crash.Error.Kind).To(Equal("crash"))

			var list extensionList
			Expect(env.getJSON("/extensions", &list)).To(Equal(http.StatusOK))
			var kowareta registry.Info
			for _, info := range list.Extensions {
				if info.ID == "kowareta" {
					kowareta = info
				}
			}
			Expect(kowareta.State).To(Equal(registry.StateFaulted))
			Expect(kowareta.Fault).To(ContainSubstring("kowareta always breaks"))

			var notReady errorResponse
			Expect(env.getJSON("/extensions/kowareta/filters", &notReady)).To(Equal(http.StatusConflict))
			Expect(notReady.Error.Kind).To(Equal("not_ready"))

			var info registry.Info
			Expect(env.postJSON("/extensions/kowareta/reload", nil, &info)).To(Equal(http.StatusOK))
			Expect(info.State).To(Equal(registry.StateReady))

			var res filtersResponse
			Expect(env.getJSON("/extensions/kowareta/filters", &res)).To(Equal(http.StatusOK))
			Expect(res.Filters).To(BeEmpty())
		})
	})
})
