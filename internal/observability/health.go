package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// Pinger checks that a dependency accepts connections. The passthrough proxy
// implements it by dialing the application backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness is the /readyz body. Provider and reload state are reported on
// every call; Backend is only set for deep checks.
type Readiness struct {
	Status          string `json:"status"`
	Provider        string `json:"provider,omitempty"`
	Backend         string `json:"backend,omitempty"`
	Reloads         uint64 `json:"reloads"`
	LastReloadAt    string `json:"last_reload_at,omitempty"`
	LastReloadError string `json:"last_reload_error,omitempty"`
}

// HealthChecker backs the startup, liveness and readiness endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu            sync.RWMutex
	backendPinger Pinger // nil when seosnap wraps an in-process handler
	provider      string
	reloads       uint64
	lastReloadAt  time.Time
	lastReloadErr string
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks the service as having completed startup.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetBackendPinger registers the passthrough backend for deep checks. A
// config reload that changes the backend registers the new proxy here.
func (h *HealthChecker) SetBackendPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backendPinger = p
}

// SetProvider records the snapshot provider currently in use.
func (h *HealthChecker) SetProvider(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provider = name
}

// RecordReload records the outcome of a config reload. A failed reload
// leaves the previous configuration serving, so it is reported but does not
// affect readiness.
func (h *HealthChecker) RecordReload(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastReloadErr = err.Error()
		return
	}
	h.reloads++
	h.lastReloadAt = time.Now().UTC()
	h.lastReloadErr = ""
}

// Readiness builds the readiness report. With deep set, the backend is
// pinged and an unreachable backend makes the report not ready. Snapshot
// providers are never pinged: a provider outage only degrades crawlers to
// passthrough.
func (h *HealthChecker) Readiness(ctx context.Context, deep bool) Readiness {
	h.mu.RLock()
	rep := Readiness{
		Status:          "ready",
		Provider:        h.provider,
		Reloads:         h.reloads,
		LastReloadError: h.lastReloadErr,
	}
	if !h.lastReloadAt.IsZero() {
		rep.LastReloadAt = h.lastReloadAt.Format(time.RFC3339)
	}
	pinger := h.backendPinger
	h.mu.RUnlock()

	if !h.IsReady() {
		rep.Status = "not_ready"
		return rep
	}
	if !deep {
		return rep
	}

	rep.Backend = "ok"
	if pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			rep.Status = "not_ready"
			rep.Backend = "unreachable"
		}
	}
	return rep
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler serves the readiness report: 200 when ready, 503 otherwise.
// `?deep=true` adds a backend ping.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := h.Readiness(r.Context(), r.URL.Query().Get("deep") == "true")

		code := http.StatusOK
		if rep.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	}
}
