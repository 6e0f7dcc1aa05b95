// Package hooks defines the before/after snapshot event handlers. A handler
// may serve a snapshot itself (short-circuiting the provider call) and is
// told about every snapshot fetched from the provider.
//
// Built-in handlers are resolved by name once at startup from a fixed table;
// custom handlers are injected directly into the filter.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/edgequota/seosnap/internal/config"
	"github.com/edgequota/seosnap/internal/observability"
	"github.com/edgequota/seosnap/internal/snapshot"
)

// ErrUnknownHook is returned by New for an unregistered handler name.
var ErrUnknownHook = errors.New("unknown snapshot event handler")

// EventHooks observes the snapshot path.
type EventHooks interface {
	// BeforeSnapshot runs for every intercepted request before the provider
	// is called. A non-nil result is written to the caller as if it had been
	// fetched, and the provider is not called.
	BeforeSnapshot(r *http.Request) (*snapshot.Result, error)

	// AfterSnapshot runs after a fetched snapshot has been written. The
	// response is already committed; the handler can only observe.
	AfterSnapshot(r *http.Request, res *snapshot.Result)

	// Close releases the handler's resources.
	Close() error
}

// RequestInfo is what the filter knows about an intercepted request. It is
// attached to the request context before any hook runs.
type RequestInfo struct {
	URL       string // page URL sent to the provider, query included
	Provider  string
	RequestID string
}

type infoKey struct{}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFrom returns the RequestInfo attached by WithInfo.
func InfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(infoKey{}).(RequestInfo)
	return info, ok
}

// Constructor builds a handler from the full configuration.
type Constructor func(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (EventHooks, error)

var constructors = map[config.HookName]Constructor{
	config.HookLog:    newLogHooks,
	config.HookEvents: newEventHooks,
}

// New resolves cfg.Hooks.EventHandler. An empty name yields (nil, nil): no
// handler is configured.
func New(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (EventHooks, error) {
	name := cfg.Hooks.EventHandler
	if name == config.HookNone {
		return nil, nil
	}
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHook, name)
	}
	h, err := ctor(cfg, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}
	return h, nil
}

// Nop is an EventHooks that never short-circuits and ignores every event.
// Embed it to implement only part of the interface.
type Nop struct{}

func (Nop) BeforeSnapshot(*http.Request) (*snapshot.Result, error) { return nil, nil }

func (Nop) AfterSnapshot(*http.Request, *snapshot.Result) {}

func (Nop) Close() error { return nil }
