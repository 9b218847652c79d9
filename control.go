package assetcache

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Command names the control-plane operations the hosting page can issue.
type Command string

const (
	CommandClearCache    Command = "CLEAR_CACHE"
	CommandRevalidateAll Command = "REVALIDATE_ALL"
	CommandInvalidateURL Command = "INVALIDATE_URL"
	CommandCleanup       Command = "CLEANUP_OLD_ENTRIES"
	CommandForceRefresh  Command = "FORCE_REFRESH"
	CommandUpdateServers Command = "UPDATE_SERVERS"
)

// Status is the reply payload of a control command. Errors are always
// reported back to the issuer, never silently dropped.
type Status struct {
	Command Command `json:"command"`
	Status  string  `json:"status,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Execute runs a control command. Every command is independent and
// idempotent: repeating one is safe. The outcome is returned to the
// caller and additionally broadcast to all subscribers.
func (e *Engine) Execute(ctx context.Context, cmd Command, url string) Status {
	st := Status{Command: cmd}
	switch cmd {
	case CommandClearCache:
		if err := e.clearCache(); err != nil {
			st.Error = err.Error()
		} else {
			st.Status = "Cache cleared"
		}
	case CommandRevalidateAll:
		if err := e.freshness.ZeroAll(); err != nil {
			st.Error = err.Error()
		} else {
			st.Status = "All assets marked for revalidation"
		}
	case CommandInvalidateURL:
		st = e.invalidateURL(url)
	case CommandCleanup:
		if _, err := e.Cleanup(ctx); err != nil {
			st.Error = err.Error()
		} else {
			st.Status = "Cleanup completed"
		}
	case CommandForceRefresh:
		if err := e.forceRefresh(url); err != nil {
			st.Error = err.Error()
		} else {
			st.Status = "Cache cleared for " + url
		}
	case CommandUpdateServers:
		if e.roster == nil {
			st.Error = "no server roster configured"
		} else if err := e.roster.Refresh(ctx); err != nil {
			st.Error = err.Error()
		} else {
			st.Status = "Servers list updated"
			e.log.Debug().Strs("hosts", e.roster.Hosts()).Msg("Server roster now in effect")
		}
	default:
		st.Error = "unknown command: " + string(cmd)
	}

	if st.Error != "" {
		e.log.Error().Str("command", string(cmd)).Str("error", st.Error).Msg("Control command failed")
	} else {
		e.log.Info().Str("command", string(cmd)).Str("status", st.Status).Msg("Control command completed")
	}
	e.broadcast(st)
	return st
}

// clearCache drops the whole current generation and resets the
// freshness record, so the engine is back to a cold start.
func (e *Engine) clearCache() error {
	if _, err := e.storage.PurgePrefix(e.prefix); err != nil {
		return err
	}
	return e.freshness.Reset()
}

// invalidateURL removes one stored response and its metadata.
// A URL that is not in the cache is reported in the status, it is not
// an error.
func (e *Engine) invalidateURL(url string) Status {
	st := Status{Command: CommandInvalidateURL}
	_, ok, err := e.storage.Get(e.entryKey(url))
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if !ok {
		st.Status = "URL not found in cache: " + url
		return st
	}
	if err := e.storage.Delete(e.entryKey(url)); err != nil {
		st.Error = err.Error()
		return st
	}
	if _, err := e.freshness.Delete(url); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Status = "Invalidated " + url
	return st
}

// forceRefresh clears the stored response and metadata for one URL so
// the next request fetches it from the network. Idempotent, a missing
// URL is cleared trivially.
func (e *Engine) forceRefresh(url string) error {
	if err := e.storage.Delete(e.entryKey(url)); err != nil {
		return err
	}
	_, err := e.freshness.Delete(url)
	return err
}

// Subscribe registers a consumer for command outcomes. Every executed
// command's status is delivered to all active subscribers; a slow
// subscriber misses outcomes rather than blocking the control plane.
func (e *Engine) Subscribe() <-chan Status {
	ch := make(chan Status, 16)
	e.subMutex.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.subMutex.Unlock()
	return ch
}

func (e *Engine) broadcast(st Status) {
	e.subMutex.Lock()
	defer e.subMutex.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- st:
		default:
		}
	}
}

// ControlHandler returns the admin API for the control plane.
// Mount it on a path the gateway itself does not cache.
func (e *Engine) ControlHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/clear", e.commandHandler(CommandClearCache, false))
	r.Post("/revalidate", e.commandHandler(CommandRevalidateAll, false))
	r.Post("/invalidate", e.commandHandler(CommandInvalidateURL, true))
	r.Post("/cleanup", e.commandHandler(CommandCleanup, false))
	r.Post("/refresh", e.commandHandler(CommandForceRefresh, true))
	r.Post("/refresh-servers", e.commandHandler(CommandUpdateServers, false))
	return r
}

func (e *Engine) commandHandler(cmd Command, needsURL bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if needsURL && url == "" {
			writeStatus(w, http.StatusBadRequest, Status{Command: cmd, Error: "url parameter required"})
			return
		}
		st := e.Execute(r.Context(), cmd, url)
		code := http.StatusOK
		if st.Error != "" {
			code = http.StatusInternalServerError
		}
		writeStatus(w, code, st)
	}
}

func writeStatus(w http.ResponseWriter, code int, st Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(st)
}
