package assetcache

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asset-cache/asset-cache/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1700000000000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	*Engine
	clock   *testClock
	origin  *httptest.Server
	hits    *int32
	storage storage.MemStorage
}

// startTestEngine wires an engine to an httptest origin with an
// in-memory provider and a controllable clock.
func startTestEngine(t *testing.T, handler http.Handler, mutate func(*Config)) *testEngine {
	t.Helper()
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(origin.Close)

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	clock := newTestClock()
	logger := zerolog.Nop()
	mem := storage.NewMemStorage()
	config := Config{
		Storage:   mem,
		OriginURL: *originURL,
		Logger:    &logger,
		Now:       clock.Now,
	}
	if mutate != nil {
		mutate(&config)
	}
	e := CreateEngine(config)
	t.Cleanup(e.Close)
	return &testEngine{Engine: e, clock: clock, origin: origin, hits: &hits, storage: mem}
}

func (te *testEngine) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = te.origin.Listener.Addr().String()
	rr := httptest.NewRecorder()
	te.ServeHTTP(rr, req)
	return rr
}

func (te *testEngine) originHits() int32 {
	return atomic.LoadInt32(te.hits)
}

// First fetch of a binary asset goes to the network and is stored; a
// fetch one hour later is served from storage with no network call; a
// fetch past the max-age window goes to the network again.
func TestCacheFirstFreshnessWindow(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), nil)

	rr := te.get("/game_assets.bundle")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "bundle bytes", rr.Body.String())
	assert.Equal(t, int32(1), te.originHits())

	stamp, ok := te.freshness.Timestamp(te.origin.URL + "/game_assets.bundle")
	assert.True(t, ok)
	assert.Equal(t, te.clock.Now(), stamp)

	te.clock.Advance(time.Hour)
	rr = te.get("/game_assets.bundle")
	assert.Equal(t, "bundle bytes", rr.Body.String())
	assert.Equal(t, int32(1), te.originHits(), "second fetch must be served from storage")
	assert.Contains(t, rr.Header().Get("Cache-Status"), "hit")

	te.clock.Advance(8 * 24 * time.Hour)
	te.get("/game_assets.bundle")
	assert.Equal(t, int32(2), te.originHits(), "fetch past max-age must go to the network")
}

func TestCacheFirstServesStaleOnNetworkFailure(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), nil)

	te.get("/game_assets.bundle")
	te.clock.Advance(10 * 24 * time.Hour)
	te.origin.CloseClientConnections()
	te.origin.Close()

	rr := te.get("/game_assets.bundle")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "bundle bytes", rr.Body.String())
}

func TestNetworkFirstPrefersOrigin(t *testing.T) {
	var response atomic.Value
	response.Store("deploy one")
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response.Load().(string)))
	}), nil)

	rr := te.get("/index.html")
	assert.Equal(t, "deploy one", rr.Body.String())

	// documents must reflect the latest deployment even when cached
	response.Store("deploy two")
	rr = te.get("/index.html")
	assert.Equal(t, "deploy two", rr.Body.String())
	assert.Equal(t, int32(2), te.originHits())
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cached copy"))
	}), nil)

	te.get("/app.js")
	te.origin.CloseClientConnections()
	te.origin.Close()

	rr := te.get("/app.js")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cached copy", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Cache-Status"), "hit")
}

func TestNetworkFirstOfflinePage(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil)
	te.origin.Close()

	// document request with no cached copy degrades to the offline page
	rr := te.get("/index.html")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "offline")

	// non-document requests surface the failure instead
	rr = te.get("/app.js")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestNetworkFirstDoesNotStoreErrorResponses(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}), nil)

	rr := te.get("/index.html")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, ok, err := te.storage.Get(te.entryKey(te.origin.URL + "/index.html"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleWhileRevalidate(t *testing.T) {
	var response atomic.Value
	response.Store("config one")
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(response.Load().(string)))
	}), nil)

	// miss falls through to a synchronous fetch
	rr := te.get("/api/config.json")
	assert.Equal(t, "config one", rr.Body.String())
	assert.Equal(t, int32(1), te.originHits())

	// fresh entry is served from storage with no refresh
	rr = te.get("/api/config.json")
	assert.Equal(t, "config one", rr.Body.String())
	assert.Equal(t, int32(1), te.originHits())

	// stale entry is served immediately, refreshed in the background
	response.Store("config two")
	te.clock.Advance(8 * 24 * time.Hour)
	rr = te.get("/api/config.json")
	assert.Equal(t, "config one", rr.Body.String(), "stale copy must be served instantly")

	assert.Eventually(t, func() bool {
		return te.originHits() == 2
	}, time.Second, 5*time.Millisecond, "background revalidation must fetch")

	assert.Eventually(t, func() bool {
		rr := te.get("/api/config.json")
		return rr.Body.String() == "config two"
	}, time.Second, 5*time.Millisecond, "refreshed copy must be served next")
}

// A request with a cache-busting query parameter is never written to
// storage and never served from it.
func TestCacheBustBypassesCache(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh every time"))
	}), nil)

	te.get("/game_assets.bundle?v=3")
	te.get("/game_assets.bundle?v=3")
	assert.Equal(t, int32(2), te.originHits(), "busted requests always hit the origin")

	_, ok, err := te.storage.Get(te.entryKey(te.origin.URL + "/game_assets.bundle?v=3"))
	require.NoError(t, err)
	assert.False(t, ok, "busted responses must not be stored")
}

func TestNonGetPassesThrough(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("posted"))
	}), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/save", nil)
	req.Host = te.origin.Listener.Addr().String()
	rr := httptest.NewRecorder()
	te.ServeHTTP(rr, req)

	assert.Equal(t, "posted", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Cache-Status"), "bypass")
}
