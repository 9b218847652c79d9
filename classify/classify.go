// Package classify decides, per request, whether a response may be
// cached at all and which caching strategy applies.
package classify

import (
	"net"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// Strategy is the caching policy selected for a request.
type Strategy int

const (
	// None means the request bypasses the cache entirely.
	None Strategy = iota
	// NetworkFirst favors freshness: fetch, fall back to the stored copy.
	NetworkFirst
	// CacheFirst serves the stored copy while it is younger than the
	// max-age window, avoiding repeated multi-megabyte downloads.
	CacheFirst
	// StaleWhileRevalidate serves the stored copy immediately and
	// refreshes it in the background when stale.
	StaleWhileRevalidate
	// CacheWithNetworkFallback serves the stored copy with no freshness
	// check at all; used for content treated as immutable.
	CacheWithNetworkFallback
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheWithNetworkFallback:
		return "cache-fallback"
	default:
		return "none"
	}
}

// Policy selects one of the two rule sets of the engine.
type Policy int

const (
	// PolicyDefault caches same-origin content only.
	PolicyDefault Policy = iota
	// PolicyDomainAware additionally consults the hostname allow-roster
	// and denylist, and treats allow-listed cross-origin images as
	// immutable.
	PolicyDomainAware
)

// Decision is the outcome of classifying one request.
type Decision struct {
	Strategy Strategy
	Reason   string
}

// rosterSource is the part of the Roster the classifier needs.
type rosterSource interface {
	Allowed(host string) bool
}

type Classifier struct {
	policy     Policy
	originHost string
	denylist   []string
	roster     rosterSource
}

// NewClassifier builds a classifier for the given origin hostname.
// The roster may be nil, in which case no cross-origin host is allowed.
// Hostname comparisons are case-insensitive.
func NewClassifier(policy Policy, originHost string, denylist []string, roster rosterSource) *Classifier {
	denied := make([]string, len(denylist))
	for i, host := range denylist {
		denied[i] = strings.ToLower(host)
	}
	return &Classifier{
		policy:     policy,
		originHost: strings.ToLower(originHost),
		denylist:   denied,
		roster:     roster,
	}
}

// cacheBustParams is the fixed set of query parameters that force a
// request past the cache.
var cacheBustParams = []string{"cacheBust", "cachebust", "bust", "v", "version"}

// pingPattern matches liveness and tracking endpoints.
var pingPattern = regexp.MustCompile(`(?i)(^|/)(ping|health|healthz|heartbeat|analytics|track|beacon)(/|$)`)

// binaryAssetExts are the bundle formats of large, rarely-changing
// game assets.
var binaryAssetExts = map[string]bool{
	".wasm":     true,
	".bundle":   true,
	".pak":      true,
	".bin":      true,
	".data":     true,
	".unityweb": true,
}

// assetDirPrefixes are path prefixes known to hold game assets.
var assetDirPrefixes = []string{"/assets/", "/game/", "/build/"}

// assetNameMarker matches filenames that identify asset bundles even
// outside the known directories.
var assetNameMarker = regexp.MustCompile(`(?i)(game_assets|_assets\.|\.bundle$)`)

var documentExts = map[string]bool{
	"":      true,
	".html": true,
	".htm":  true,
	".css":  true,
	".js":   true,
	".mjs":  true,
}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".svg":  true,
	".ico":  true,
}

// Cacheable reports whether the request may be served from or written
// to the cache at all.
func (c *Classifier) Cacheable(r *http.Request) bool {
	return c.Classify(r).Strategy != None
}

// Classify runs the ordered rule list over the request. The evaluation
// order is a documented contract: earlier rules intentionally
// short-circuit later ones.
func (c *Classifier) Classify(r *http.Request) Decision {
	// 1. only GET requests are cacheable
	if r.Method != http.MethodGet {
		return Decision{None, "method"}
	}
	// 2. liveness and tracking pings
	if pingPattern.MatchString(r.URL.Path) {
		return Decision{None, "ping"}
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	// 3. volatile plain-text manifests
	if ext == ".txt" {
		return Decision{None, "volatile-text"}
	}
	// 4. explicit client opt-out
	if strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-cache") {
		return Decision{None, "no-cache"}
	}
	// 5. cache-busting query parameters
	if hasCacheBust(r) {
		return Decision{None, "cache-bust"}
	}
	host := requestHost(r)
	crossOrigin := host != "" && c.originHost != "" && host != c.originHost
	// 6. hostname denylist
	if c.policy == PolicyDomainAware && c.denied(host) {
		return Decision{None, "denylist"}
	}
	// 7. cross-origin hosts must be on the allow-roster
	if crossOrigin {
		if c.policy != PolicyDomainAware || c.roster == nil || !c.roster.Allowed(host) {
			return Decision{None, "cross-origin"}
		}
	}
	// 8. cacheable: pick a strategy by content category
	return c.selectStrategy(r, ext, crossOrigin)
}

func (c *Classifier) selectStrategy(r *http.Request, ext string, crossOrigin bool) Decision {
	// allow-listed cross-origin images are treated as immutable
	if c.policy == PolicyDomainAware && crossOrigin && imageExts[ext] {
		return Decision{CacheWithNetworkFallback, "image"}
	}
	if isBinaryAsset(r.URL.Path, ext) {
		return Decision{CacheFirst, "binary-asset"}
	}
	// documents, stylesheets and scripts must reflect the latest deploy
	if documentExts[ext] {
		return Decision{NetworkFirst, "document"}
	}
	return Decision{StaleWhileRevalidate, "default"}
}

func isBinaryAsset(urlPath, ext string) bool {
	if binaryAssetExts[ext] {
		return true
	}
	for _, prefix := range assetDirPrefixes {
		if strings.HasPrefix(urlPath, prefix) {
			return true
		}
	}
	return assetNameMarker.MatchString(path.Base(urlPath))
}

func hasCacheBust(r *http.Request) bool {
	query := r.URL.Query()
	if query.Get("cache") == "false" {
		return true
	}
	for _, param := range cacheBustParams {
		if query.Has(param) {
			return true
		}
	}
	return false
}

func (c *Classifier) denied(host string) bool {
	for _, denied := range c.denylist {
		if host == denied || strings.HasSuffix(host, "."+denied) {
			return true
		}
	}
	return false
}

// requestHost returns the lowercased hostname a request targets,
// preferring the URL host (absolute-form requests) over the Host header.
func requestHost(r *http.Request) string {
	if host := r.URL.Hostname(); host != "" {
		return strings.ToLower(host)
	}
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(strings.Trim(r.Host, "[]"))
}
