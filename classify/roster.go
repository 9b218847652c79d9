package classify

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRefreshInterval is the minimum time between roster refreshes.
const DefaultRefreshInterval = 5 * time.Minute

// Roster is the cached list of cross-origin hostnames allowed to be
// cached. It is refreshed from a plain-text manifest: one entry per
// line, the first comma-separated field being the hostname. On fetch or
// parse failure the last good list stays in effect (stale-on-error),
// falling back to the built-in default list on cold start.
type Roster struct {
	manifestURL string
	client      *http.Client
	log         zerolog.Logger
	now         func() time.Time

	mu          sync.Mutex
	hosts       map[string]bool
	lastRefresh time.Time
	refreshing  bool
}

func NewRoster(manifestURL string, defaults []string, logger zerolog.Logger, now func() time.Time) *Roster {
	if now == nil {
		now = time.Now
	}
	hosts := make(map[string]bool, len(defaults))
	for _, host := range defaults {
		hosts[strings.ToLower(host)] = true
	}
	return &Roster{
		manifestURL: manifestURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         logger,
		now:         now,
		hosts:       hosts,
	}
}

// Allowed reports whether the given hostname is on the current roster.
// It also schedules a background refresh when the list is due, so the
// calling request is never blocked on the manifest fetch.
func (r *Roster) Allowed(host string) bool {
	r.maybeRefresh()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts[strings.ToLower(host)]
}

// Hosts returns a sorted copy of the current allow-list.
func (r *Roster) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (r *Roster) maybeRefresh() {
	if r.manifestURL == "" {
		return
	}
	r.mu.Lock()
	due := !r.refreshing && r.now().Sub(r.lastRefresh) >= DefaultRefreshInterval
	if due {
		// throttle on attempt, not success, so a dead manifest host is
		// retried once per interval instead of once per request
		r.refreshing = true
		r.lastRefresh = r.now()
	}
	r.mu.Unlock()
	if !due {
		return
	}
	go func() {
		if err := r.fetch(context.Background()); err != nil {
			r.log.Warn().Err(err).Str("url", r.manifestURL).Msg("Could not refresh server roster, keeping last good list")
		}
		r.mu.Lock()
		r.refreshing = false
		r.mu.Unlock()
	}()
}

// Refresh fetches the manifest immediately, ignoring the refresh
// interval. Used by the update-servers control command.
func (r *Roster) Refresh(ctx context.Context) error {
	if r.manifestURL == "" {
		return nil
	}
	return r.fetch(ctx)
}

func (r *Roster) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.manifestURL, nil)
	if err != nil {
		return err
	}
	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &manifestError{status: res.Status}
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	hosts := ParseManifest(string(body))
	if len(hosts) == 0 {
		return &manifestError{status: "empty manifest"}
	}

	r.mu.Lock()
	r.hosts = hosts
	r.mu.Unlock()
	r.log.Debug().Int("hosts", len(hosts)).Msg("Server roster refreshed")
	return nil
}

// ParseManifest parses the plain-text server manifest. Each non-empty,
// non-comment line contributes one hostname: the first comma-separated
// field, lowercased.
func ParseManifest(manifest string) map[string]bool {
	hosts := make(map[string]bool)
	for _, line := range strings.Split(manifest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, _, _ := strings.Cut(line, ",")
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			hosts[host] = true
		}
	}
	return hosts
}

type manifestError struct {
	status string
}

func (e *manifestError) Error() string {
	return "server manifest fetch failed: " + e.status
}
