package classify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	manifest := "cdn.example.org,eu-west,10\n" +
		"# comment line\n" +
		"\n" +
		"ASSETS.example.com,us-east,20\n" +
		"plain.example.net\n"

	hosts := ParseManifest(manifest)
	assert.Equal(t, map[string]bool{
		"cdn.example.org":    true,
		"assets.example.com": true,
		"plain.example.net":  true,
	}, hosts)
}

func TestRefreshReplacesList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cdn.example.org,eu\n"))
	}))
	defer server.Close()

	roster := NewRoster(server.URL, []string{"default.example.com"}, zerolog.Nop(), nil)
	assert.True(t, roster.Allowed("default.example.com"))

	require.NoError(t, roster.Refresh(context.Background()))
	assert.True(t, roster.Allowed("cdn.example.org"))
	assert.False(t, roster.Allowed("default.example.com"))
	assert.Equal(t, []string{"cdn.example.org"}, roster.Hosts())
}

func TestRefreshKeepsLastGoodListOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	roster := NewRoster(server.URL, []string{"default.example.com"}, zerolog.Nop(), nil)
	err := roster.Refresh(context.Background())
	assert.Error(t, err)
	assert.True(t, roster.Allowed("default.example.com"))
}

func TestEmptyManifestIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\n# nothing here\n"))
	}))
	defer server.Close()

	roster := NewRoster(server.URL, []string{"default.example.com"}, zerolog.Nop(), nil)
	assert.Error(t, roster.Refresh(context.Background()))
	assert.True(t, roster.Allowed("default.example.com"))
}

func TestBackgroundRefreshThrottled(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Write([]byte("cdn.example.org\n"))
	}))
	defer server.Close()

	current := time.Unix(1700000000, 0)
	roster := NewRoster(server.URL, nil, zerolog.Nop(), func() time.Time { return current })

	// many lookups within the interval trigger at most one fetch
	for i := 0; i < 10; i++ {
		roster.Allowed("cdn.example.org")
	}
	assert.Eventually(t, func() bool {
		return roster.Allowed("cdn.example.org")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))

	// once the interval has passed, the next lookup refreshes again
	current = current.Add(DefaultRefreshInterval)
	roster.Allowed("cdn.example.org")
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fetches) == 2
	}, time.Second, 5*time.Millisecond)
}
