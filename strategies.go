package assetcache

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	codec "github.com/asset-cache/asset-cache/pkg/response-codec"

	"github.com/rs/zerolog"
)

// networkFirst favors freshness over latency: fetch from the origin,
// store valid responses, and fall back to any stored copy when the
// network fails. Documents degrade to a minimal offline page when
// neither is available.
func (e *Engine) networkFirst(w http.ResponseWriter, r *http.Request, key string, log zerolog.Logger) {
	res, err := e.fetchUpstream(r)
	if err == nil {
		defer res.Body.Close()
		if codec.Storable(res) {
			if storeErr := e.storeResponse(key, res); storeErr != nil {
				// fail open: a storage fault degrades to network dependence
				log.Error().Err(storeErr).Msg("Could not write to cache")
				e.send(w, res, "fwd=miss", log)
				return
			}
			e.send(w, res, "fwd=miss; stored", log)
			return
		}
		// invalid response shape: serve a stored copy if there is one,
		// otherwise pass the origin response along unstored
		if e.serveStored(w, r, key, "hit; fwd=invalid", log) {
			return
		}
		e.send(w, res, "fwd=miss", log)
		return
	}

	log.Warn().Err(err).Msg("Network fetch failed, falling back to cache")
	if e.serveStored(w, r, key, "hit; fwd=unreachable", log) {
		return
	}
	if isDocument(r) {
		e.sendOfflinePage(w, log)
		return
	}
	http.Error(w, "Could not fetch from origin", http.StatusBadGateway)
}

// cacheFirst serves the stored copy while it is younger than the
// max-age window, so large assets are not re-downloaded on every visit.
// A stale stored copy is still the last resort when the network fails.
func (e *Engine) cacheFirst(w http.ResponseWriter, r *http.Request, key string, log zerolog.Logger) {
	bytes, ok := e.stored(key, log)
	if ok && !e.freshness.IsStale(key, e.maxAge, e.now()) {
		e.sendStored(w, r, bytes, "hit", log)
		return
	}

	res, err := e.fetchUpstream(r)
	if err == nil {
		defer res.Body.Close()
		status := "fwd=stale"
		if codec.Storable(res) {
			if storeErr := e.storeResponse(key, res); storeErr != nil {
				log.Error().Err(storeErr).Msg("Could not write to cache")
			} else {
				status = "fwd=stale; stored"
			}
		}
		e.send(w, res, status, log)
		return
	}

	if ok {
		log.Warn().Err(err).Msg("Network fetch failed, serving stale copy")
		e.sendStored(w, r, bytes, "hit; fwd=unreachable", log)
		return
	}
	log.Error().Err(err).Msg("Could not fetch response from origin")
	http.Error(w, "Could not fetch from origin", http.StatusBadGateway)
}

// staleWhileRevalidate serves the stored copy immediately regardless of
// freshness, refreshing stale entries in the background. The background
// fetch never disturbs the caller, who already has a response.
func (e *Engine) staleWhileRevalidate(w http.ResponseWriter, r *http.Request, key string, log zerolog.Logger) {
	if bytes, ok := e.stored(key, log); ok {
		if e.freshness.IsStale(key, e.maxAge, e.now()) {
			e.revalidate(r, key, log)
			e.sendStored(w, r, bytes, "hit; fwd-status=stale", log)
		} else {
			e.sendStored(w, r, bytes, "hit", log)
		}
		return
	}

	res, err := e.fetchUpstream(r)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch response from origin")
		http.Error(w, "Could not fetch from origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	status := "fwd=miss"
	if codec.Storable(res) {
		if storeErr := e.storeResponse(key, res); storeErr != nil {
			log.Error().Err(storeErr).Msg("Could not write to cache")
		} else {
			status = "fwd=miss; stored"
		}
	}
	e.send(w, res, status, log)
}

// cacheFallback serves the stored copy with no freshness check at all;
// the content is treated as immutable. Only a miss goes to the network.
func (e *Engine) cacheFallback(w http.ResponseWriter, r *http.Request, key string, log zerolog.Logger) {
	if bytes, ok := e.stored(key, log); ok {
		e.sendStored(w, r, bytes, "hit", log)
		return
	}

	res, err := e.fetchUpstream(r)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch response from origin")
		http.Error(w, "Could not fetch from origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	status := "fwd=miss"
	if codec.Storable(res) {
		if storeErr := e.storeResponse(key, res); storeErr != nil {
			log.Error().Err(storeErr).Msg("Could not write to cache")
		} else {
			status = "fwd=miss; stored"
		}
	}
	e.send(w, res, status, log)
}

// revalidate triggers an unawaited background fetch that updates
// storage and freshness on success. Errors are logged, never surfaced.
// Concurrent revalidations of the same key share one fetch.
func (e *Engine) revalidate(r *http.Request, key string, log zerolog.Logger) {
	req := r.Clone(context.Background())
	go func() {
		e.refreshGroup.Do(key, func() (interface{}, error) {
			res, err := e.fetchUpstream(req)
			if err != nil {
				log.Warn().Err(err).Msg("Background revalidation failed")
				return nil, nil
			}
			defer res.Body.Close()
			if !codec.Storable(res) {
				log.Debug().Int("http-status", res.StatusCode).Msg("Background revalidation got non-storable response")
				return nil, nil
			}
			if err := e.storeResponse(key, res); err != nil {
				log.Warn().Err(err).Msg("Could not store revalidated response")
			}
			return nil, nil
		})
	}()
}

// passThrough just pipes the original request through to the origin and
// immediately responds to the client, bypassing the cache completely.
func (e *Engine) passThrough(w http.ResponseWriter, r *http.Request, reason string, log zerolog.Logger) {
	res, err := e.fetchUpstream(r)
	if err != nil {
		log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	e.send(w, res, "fwd=bypass; detail="+reason, log)
}

// fetchUpstream fetches the requested resource from its origin: the
// configured origin for relative requests, the absolute URL for
// allow-listed cross-origin ones.
func (e *Engine) fetchUpstream(r *http.Request) (*http.Response, error) {
	uri := e.resourceKey(r)
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection headers, these cause trouble upstream
	req.Header.Del("Connection")
	return e.httpClient.Do(req)
}

// storeResponse writes the response bytes into the current generation
// partition and stamps the resource fresh. The response body is
// readable again when this returns.
func (e *Engine) storeResponse(key string, res *http.Response) error {
	bytes, err := codec.ResponseToBytes(res)
	if err != nil {
		return err
	}
	if err := e.storage.Put(e.entryKey(key), bytes); err != nil {
		return err
	}
	return e.freshness.Stamp(key, e.now())
}

// stored returns the raw stored bytes for a resource key, failing open
// to a miss on storage errors.
func (e *Engine) stored(key string, log zerolog.Logger) ([]byte, bool) {
	bytes, ok, err := e.storage.Get(e.entryKey(key))
	if err != nil {
		log.Warn().Err(err).Msg("Could not read from cache")
		return nil, false
	}
	return bytes, ok
}

// serveStored sends the stored copy for a key if one exists.
func (e *Engine) serveStored(w http.ResponseWriter, r *http.Request, key string, cacheStatus string, log zerolog.Logger) bool {
	bytes, ok := e.stored(key, log)
	if !ok {
		return false
	}
	e.sendStored(w, r, bytes, cacheStatus, log)
	return true
}

func (e *Engine) sendStored(w http.ResponseWriter, r *http.Request, bytes []byte, cacheStatus string, log zerolog.Logger) {
	res, err := codec.BytesToResponse(bytes, r)
	if err != nil {
		// corrupted cache entry: drop it and go to the origin instead
		log.Error().Err(err).Msg("Could not read stored response, purging")
		if delErr := e.storage.Delete(e.entryKey(e.resourceKey(r))); delErr != nil {
			log.Warn().Err(delErr).Msg("Could not purge corrupted entry")
		}
		e.passThrough(w, r, "corrupt", log)
		return
	}
	e.send(w, res, cacheStatus, log)
}

// send writes a response to the client with a Cache-Status trailer
// header describing what the cache did.
func (e *Engine) send(w http.ResponseWriter, res *http.Response, cacheStatus string, log zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", "Asset-Cache; "+cacheStatus)
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		bytesWritten, err = io.Copy(w, res.Body)
		if err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	log.Debug().
		Int("http-status", res.StatusCode).
		Str("cache-status", cacheStatus).
		Int64("bytes", bytesWritten).
		Msg("Sending response to client")
}

const offlinePage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not cached and the network is unreachable. Please try again once you are back online.</p></body>
</html>
`

// sendOfflinePage synthesizes a minimal degraded response for document
// requests that can be served neither from the network nor the cache.
func (e *Engine) sendOfflinePage(w http.ResponseWriter, log zerolog.Logger) {
	log.Debug().Msg("Serving offline placeholder page")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Status", "Asset-Cache; fwd=unreachable")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, offlinePage)
}

// isDocument reports whether a request is for a navigable document.
func isDocument(r *http.Request) bool {
	ext := strings.ToLower(path.Ext(r.URL.Path))
	return ext == "" || ext == ".html" || ext == ".htm"
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// do not forward proxy headers set by an upstream hop,
		// some servers do not like seeing them again
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
