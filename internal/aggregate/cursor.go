// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package aggregate

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tsuzuki-app/tsuzuki/internal/catalog"
)

// defaultCursorTTL is how long an unused cursor stays valid.
const defaultCursorTTL = 30 * time.Minute

var (
	cursorEntropy     = ulid.Monotonic(rand.Reader, 0)
	cursorEntropyLock sync.Mutex
)

// newCursorID mints a unique opaque cursor id. The shared monotonic entropy
// source needs the lock; ulid.Monotonic readers are not safe for concurrent
// use.
func newCursorID() string {
	cursorEntropyLock.Lock()
	defer cursorEntropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), cursorEntropy).String()
}

// cursorState pins everything a follow-up fetch needs. States are immutable
// once stored: advancing a cursor stores a successor under a fresh id, so
// re-fetching an old cursor yields the same page until it expires.
type cursorState struct {
	op      string
	scope   string
	query   string
	filters []catalog.SearchFilter
	// next maps extension id to the page it should serve next. Extensions
	// that reported no successor page are absent.
	next map[string]uint16
}

// sig returns the state's canonical signature for mismatch checks.
func (st cursorState) sig() string {
	return querySignature(st.op, st.scope, st.query, st.filters)
}

// cursorTable holds live cursors with sliding expiry.
type cursorTable struct {
	cache *gocache.Cache
}

func newCursorTable(ttl time.Duration) *cursorTable {
	if ttl <= 0 {
		ttl = defaultCursorTTL
	}
	return &cursorTable{
		cache: gocache.New(ttl, 2*ttl),
	}
}

// create stores a state and returns its id.
func (t *cursorTable) create(st cursorState) string {
	id := newCursorID()
	t.cache.Set(id, st, gocache.DefaultExpiration)
	return id
}

// get looks a cursor up. The boolean is false for unknown or expired ids.
func (t *cursorTable) get(id string) (cursorState, bool) {
	v, ok := t.cache.Get(id)
	if !ok {
		return cursorState{}, false
	}
	st, ok := v.(cursorState)
	return st, ok
}

// querySignature canonicalizes the inputs that must stay equal across
// cursor fetches. Filter categories and values are sorted so semantically
// equal requests produce equal signatures.
func querySignature(op, scope, query string, filters []catalog.SearchFilter) string {
	canon := make([]catalog.SearchFilter, len(filters))
	for i, f := range filters {
		values := append([]string(nil), f.Values...)
		sort.Strings(values)
		canon[i] = catalog.SearchFilter{ID: f.ID, Values: values}
	}
	sort.Slice(canon, func(i, j int) bool { return canon[i].ID < canon[j].ID })

	payload, _ := json.Marshal(struct {
		Op      string                 `json:"op"`
		Scope   string                 `json:"scope"`
		Query   string                 `json:"query"`
		Filters []catalog.SearchFilter `json:"filters"`
	}{op, scope, query, canon})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
