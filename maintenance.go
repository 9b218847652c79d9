package assetcache

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	codec "github.com/asset-cache/asset-cache/pkg/response-codec"
	"github.com/asset-cache/asset-cache/storage"

	"golang.org/x/sync/errgroup"
)

// Install warms the engine: it fetches the configured precache list into
// storage and loads the initial server roster. Individual precache
// failures are logged and skipped, they must never fail setup.
func (e *Engine) Install(ctx context.Context) error {
	for _, uri := range e.precache {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			e.log.Warn().Err(err).Str("url", uri).Msg("Could not create precache request")
			continue
		}
		res, err := e.fetchUpstream(req)
		if err != nil {
			e.log.Warn().Err(err).Str("url", uri).Msg("Could not precache")
			continue
		}
		if codec.Storable(res) {
			if err := e.storeResponse(e.resourceKey(req), res); err != nil {
				e.log.Warn().Err(err).Str("url", uri).Msg("Could not store precached response")
			}
		} else {
			e.log.Warn().Int("http-status", res.StatusCode).Str("url", uri).Msg("Precache response not storable")
		}
		res.Body.Close()
	}

	if e.roster != nil {
		if err := e.roster.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Could not load initial server roster, using defaults")
		}
	}
	e.log.Info().Int("precached", len(e.precache)).Str("generation", e.generation).Msg("Install complete")
	return nil
}

// Activate makes this engine's generation the current one: every other
// generation of the naming family is evicted, then expired entries of
// the current generation are cleaned up.
func (e *Engine) Activate(ctx context.Context) error {
	evicted, err := e.evictGenerations()
	if err != nil {
		return err
	}
	cleaned, err := e.Cleanup(ctx)
	if err != nil {
		return err
	}
	e.log.Info().
		Int("generations-evicted", evicted).
		Int("entries-cleaned", cleaned).
		Str("generation", e.generation).
		Msg("Activation complete")
	return nil
}

// evictGenerations deletes every storage partition of the naming family
// except the current generation. It returns the number of generations
// removed.
func (e *Engine) evictGenerations() (int, error) {
	names, err := e.storage.Partitions(GenerationFamily)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, name := range names {
		if name == e.generation {
			continue
		}
		count, err := e.storage.PurgePrefix(storage.PartitionPrefix(GenerationFamily, name))
		if err != nil {
			e.log.Error().Err(err).Str("generation", name).Msg("Could not evict superseded generation")
			continue
		}
		e.log.Debug().Str("generation", name).Int("entries", count).Msg("Evicted superseded generation")
		evicted++
	}
	return evicted, nil
}

// Cleanup removes every entry older than the cleanup age: first the
// metadata entries, then their stored bodies in a best-effort fan-out
// where one failed deletion never aborts the batch. It returns the
// number of entries cleaned up and is idempotent.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed, err := e.freshness.Prune(e.cleanupAge, e.now())
	if err != nil {
		return 0, err
	}
	if len(removed) == 0 {
		return 0, nil
	}

	var deleted int64
	group := new(errgroup.Group)
	group.SetLimit(8)
	for _, key := range removed {
		key := key
		group.Go(func() error {
			if err := e.storage.Delete(e.entryKey(key)); err != nil {
				e.log.Warn().Err(err).Str("key", key).Msg("Could not delete expired body")
				return nil
			}
			atomic.AddInt64(&deleted, 1)
			return nil
		})
	}
	group.Wait()

	e.log.Info().
		Int("entries", len(removed)).
		Int64("bodies-deleted", atomic.LoadInt64(&deleted)).
		Msg("Cleanup removed expired entries")
	return len(removed), nil
}

// cleanupLoop re-runs cleanup on the configured interval until the
// engine is closed.
func (e *Engine) cleanupLoop() {
	e.log.Info().Msgf("Starting cleanup loop with interval %s", e.cleanupInterval)
	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.Cleanup(context.Background()); err != nil {
				e.log.Error().Err(err).Msg("Periodic cleanup failed")
			}
		case <-e.stop:
			return
		}
	}
}
