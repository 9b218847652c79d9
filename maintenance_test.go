package assetcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/asset-cache/asset-cache/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cleanup removes exactly the entries older than the cleanup age,
// metadata and bodies both, and removes nothing on a second run.
func TestCleanupRemovesOnlyExpiredEntries(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), nil)

	te.get("/old_assets.bundle")
	te.clock.Advance(85 * 24 * time.Hour)
	te.get("/new_assets.bundle")
	te.clock.Advance(6 * 24 * time.Hour)

	removed, err := te.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	oldKey := te.origin.URL + "/old_assets.bundle"
	newKey := te.origin.URL + "/new_assets.bundle"

	_, ok, err := te.storage.Get(te.entryKey(oldKey))
	require.NoError(t, err)
	assert.False(t, ok, "expired body must be deleted")
	_, ok = te.freshness.Timestamp(oldKey)
	assert.False(t, ok, "expired metadata must be deleted")

	_, ok, err = te.storage.Get(te.entryKey(newKey))
	require.NoError(t, err)
	assert.True(t, ok, "entry inside the window must survive")
	_, ok = te.freshness.Timestamp(newKey)
	assert.True(t, ok)

	removed, err = te.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed, "cleanup must be idempotent")
}

// Entries marked for forced revalidation have a zero timestamp and are
// treated as maximally old by cleanup.
func TestCleanupRemovesZeroedEntries(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), nil)
	te.get("/game_assets.bundle")

	require.NoError(t, te.freshness.ZeroAll())
	removed, err := te.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

// Activating a new generation evicts every other generation of the
// naming family and leaves only the current one in storage.
func TestActivateEvictsSupersededGenerations(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), func(c *Config) {
		c.Generation = "v3"
	})

	for _, gen := range []string{"v1", "v2"} {
		prefix := storage.PartitionPrefix(GenerationFamily, gen)
		require.NoError(t, te.storage.Put(prefix+"http://old.example.com/a", []byte("stale generation")))
	}
	te.get("/game_assets.bundle")

	require.NoError(t, te.Activate(context.Background()))

	names, err := te.storage.Partitions(GenerationFamily)
	require.NoError(t, err)
	assert.Equal(t, []string{"v3"}, names)

	// the current generation's entries are untouched
	_, ok, err := te.storage.Get(te.entryKey(te.origin.URL + "/game_assets.bundle"))
	require.NoError(t, err)
	assert.True(t, ok)
}

// Install fetches the precache list into storage; a URL that cannot be
// fetched is skipped without failing the install.
func TestInstallPrecaches(t *testing.T) {
	var precacheURL string
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), func(c *Config) {
		precacheURL = c.OriginURL.String() + "/game_assets.bundle"
		c.Precache = []string{precacheURL, "http://127.0.0.1:1/unreachable"}
	})

	require.NoError(t, te.Install(context.Background()))

	_, ok, err := te.storage.Get(te.entryKey(precacheURL))
	require.NoError(t, err)
	assert.True(t, ok, "precached response must be stored")
	_, ok = te.freshness.Timestamp(precacheURL)
	assert.True(t, ok)

	// a precached asset is served without another origin fetch
	hits := te.originHits()
	rr := te.get("/game_assets.bundle")
	assert.Equal(t, "bundle bytes", rr.Body.String())
	assert.Equal(t, hits, te.originHits())
}

func TestInstallHonorsContextCancellation(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), func(c *Config) {
		c.Precache = []string{"http://127.0.0.1:1/a", "http://127.0.0.1:1/b"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, te.Install(ctx))
}

func TestPeriodicCleanupLoop(t *testing.T) {
	te := startTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle bytes"))
	}), func(c *Config) {
		c.CleanupInterval = 10 * time.Millisecond
	})
	te.get("/game_assets.bundle")
	key := te.origin.URL + "/game_assets.bundle"
	te.clock.Advance(91 * 24 * time.Hour)

	assert.Eventually(t, func() bool {
		_, ok, err := te.storage.Get(te.entryKey(key))
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond, "cleanup loop must remove the expired entry")
}
