// Package assetcache is a time-aware caching gateway for game front ends.
// It keeps large, rarely-changing game assets available fast while keeping
// frequently-changing documents fresh, without a central server
// coordinating freshness.
package assetcache

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/asset-cache/asset-cache/classify"
	"github.com/asset-cache/asset-cache/freshness"
	"github.com/asset-cache/asset-cache/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// GenerationFamily prefixes every storage partition created by this
	// engine, so activation can tell its own generations apart from
	// anything else in a shared store.
	GenerationFamily = "asset-cache"

	// freshnessKey is the reserved key the freshness record blob is
	// stored under, beside the response bodies of the same partition.
	// It can never collide with a resource key, which is always a URL.
	freshnessKey = "__freshness__"

	DefaultGeneration   = "v1"
	DefaultMaxAge       = 7 * 24 * time.Hour
	DefaultCleanupAge   = 90 * 24 * time.Hour
	DefaultFetchTimeout = 5 * time.Second
)

type Config struct {
	// Storage for response bodies and the freshness record.
	Storage storage.Provider
	// URL of the origin server. Origins with paths are not supported.
	OriginURL url.URL
	// Policy selects the classification rule set.
	Policy classify.Policy
	// Name of the current cache generation, e.g. a deploy version.
	// All other generations of the family are evicted on Activate.
	Generation string
	// MaxAge is the freshness window for the time-aware strategies.
	MaxAge time.Duration
	// CleanupAge is the age beyond which cleanup removes entries.
	CleanupAge time.Duration
	// CleanupInterval re-runs cleanup periodically when non-zero.
	CleanupInterval time.Duration
	// FetchTimeout bounds upstream fetches. Zero means the policy
	// default: 5s for the domain-aware policy, unbounded otherwise.
	FetchTimeout time.Duration
	// AllowedHosts seeds the cross-origin roster (domain-aware policy).
	AllowedHosts []string
	// DeniedHosts are never cached (domain-aware policy).
	DeniedHosts []string
	// ServersURL is the plain-text roster manifest location.
	// Defaults to <origin>/servers.txt for the domain-aware policy.
	ServersURL string
	// Precache lists URLs fetched into the cache on Install.
	Precache []string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Now is the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

type Engine struct {
	storage    storage.Provider
	freshness  *freshness.Store
	classifier *classify.Classifier
	roster     *classify.Roster

	originURL  url.URL
	generation string
	// key prefix of the current generation partition
	prefix string

	maxAge          time.Duration
	cleanupAge      time.Duration
	cleanupInterval time.Duration
	precache        []string

	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time

	// dedups concurrent background revalidations per resource key
	refreshGroup singleflight.Group

	subMutex    sync.Mutex
	subscribers []chan Status

	stop     chan struct{}
	stopOnce sync.Once
}

// CreateEngine initializes the asset-cache instance.
// It starts the needed background processes
// and sets up the needed variables.
func CreateEngine(config Config) *Engine {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	now := config.Now
	if now == nil {
		now = time.Now
	}

	generation := config.Generation
	if generation == "" {
		generation = DefaultGeneration
	}
	maxAge := config.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	cleanupAge := config.CleanupAge
	if cleanupAge == 0 {
		cleanupAge = DefaultCleanupAge
	}
	fetchTimeout := config.FetchTimeout
	if fetchTimeout == 0 && config.Policy == classify.PolicyDomainAware {
		fetchTimeout = DefaultFetchTimeout
	}

	prefix := storage.PartitionPrefix(GenerationFamily, generation)

	var roster *classify.Roster
	if config.Policy == classify.PolicyDomainAware {
		serversURL := config.ServersURL
		if serversURL == "" {
			serversURL = config.OriginURL.String() + "/servers.txt"
		}
		roster = classify.NewRoster(serversURL, config.AllowedHosts, logger, now)
	}

	e := &Engine{
		storage: config.Storage,
		freshness: freshness.NewStore(providerBackend{
			provider: config.Storage,
			key:      prefix + freshnessKey,
		}, logger),
		classifier: classify.NewClassifier(
			config.Policy, config.OriginURL.Hostname(), config.DeniedHosts, roster),
		roster:          roster,
		originURL:       config.OriginURL,
		generation:      generation,
		prefix:          prefix,
		maxAge:          maxAge,
		cleanupAge:      cleanupAge,
		cleanupInterval: config.CleanupInterval,
		precache:        config.Precache,
		httpClient: &http.Client{
			Timeout: fetchTimeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:  logger,
		now:  now,
		stop: make(chan struct{}),
	}

	// start a goroutine to clean up old entries
	if e.cleanupInterval != 0 {
		go e.cleanupLoop()
	}

	return e
}

// Close stops the background processes. The engine must not be used
// after Close.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.freshness.Close()
	})
}

// providerBackend persists the freshness record in the same storage
// partition as the response bodies.
type providerBackend struct {
	provider storage.Provider
	key      string
}

func (b providerBackend) LoadRecord() ([]byte, bool, error) {
	return b.provider.Get(b.key)
}

func (b providerBackend) SaveRecord(bytes []byte) error {
	return b.provider.Put(b.key, bytes)
}

// ServeHTTP implements the http.Handler interface.
// It is the request routing entry point: classify, then hand the
// request to the selected strategy.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer e.recover(w, r)

	decision := e.classifier.Classify(r)
	key := e.resourceKey(r)
	log := e.log.With().
		Str("key", key).
		Str("strategy", decision.Strategy.String()).
		Str("reason", decision.Reason).
		Logger()
	log.Trace().Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	switch decision.Strategy {
	case classify.NetworkFirst:
		e.networkFirst(w, r, key, log)
	case classify.CacheFirst:
		e.cacheFirst(w, r, key, log)
	case classify.StaleWhileRevalidate:
		e.staleWhileRevalidate(w, r, key, log)
	case classify.CacheWithNetworkFallback:
		e.cacheFallback(w, r, key, log)
	default:
		e.passThrough(w, r, decision.Reason, log)
	}
}

// recover recovers from panics and sends the response to the escape hatch.
func (e *Engine) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		e.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		e.passThrough(w, r, "panic", e.log)
	}
}

// resourceKey returns the canonical identifier of the requested
// resource: its full URL string.
func (e *Engine) resourceKey(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return e.originURL.String() + r.URL.RequestURI()
}

// entryKey returns the storage key for a resource key within the
// current generation partition.
func (e *Engine) entryKey(key string) string {
	return e.prefix + key
}
