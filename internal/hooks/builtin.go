package hooks

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/edgequota/seosnap/internal/config"
	"github.com/edgequota/seosnap/internal/events"
	"github.com/edgequota/seosnap/internal/observability"
	"github.com/edgequota/seosnap/internal/snapshot"
)

// logHooks writes one line per snapshot served from the provider.
type logHooks struct {
	Nop
	logger *slog.Logger
	level  slog.Level
}

func newLogHooks(cfg *config.Config, logger *slog.Logger, _ *observability.Metrics) (EventHooks, error) {
	return &logHooks{
		logger: logger.With("component", "hooks"),
		level:  observability.SlogLevel(cfg.Logging.DecisionLevel),
	}, nil
}

func (h *logHooks) BeforeSnapshot(r *http.Request) (*snapshot.Result, error) {
	info, _ := InfoFrom(r.Context())
	h.logger.Log(r.Context(), h.level, "snapshot requested",
		"url", info.URL,
		"provider", info.Provider,
		"request_id", info.RequestID,
	)
	return nil, nil
}

func (h *logHooks) AfterSnapshot(r *http.Request, res *snapshot.Result) {
	info, _ := InfoFrom(r.Context())
	h.logger.Info("snapshot served",
		"url", info.URL,
		"provider", info.Provider,
		"request_id", info.RequestID,
		"user_agent", r.UserAgent(),
		"bytes", len(res.Body),
	)
}

// eventHooks reports every fetched snapshot to the events receiver.
type eventHooks struct {
	Nop
	emitter *events.Emitter
}

func newEventHooks(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (EventHooks, error) {
	e := events.NewEmitter(cfg.Events, logger, metrics)
	if e == nil {
		return nil, errors.New("events.http.url is required")
	}
	return &eventHooks{emitter: e}, nil
}

func (h *eventHooks) AfterSnapshot(r *http.Request, res *snapshot.Result) {
	info, _ := InfoFrom(r.Context())
	h.emitter.Emit(events.SnapshotEvent{
		RequestID:   info.RequestID,
		Method:      r.Method,
		URL:         info.URL,
		Provider:    info.Provider,
		Status:      http.StatusOK,
		UserAgent:   r.UserAgent(),
		ContentType: res.Header.Get("Content-Type"),
		Bytes:       len(res.Body),
	})
}

func (h *eventHooks) Close() error { return h.emitter.Close() }
