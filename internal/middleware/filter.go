// Package middleware implements the snapshot filter. The filter classifies
// each request; crawler requests are answered with a pre-rendered snapshot
// and everything else, including every failure on the snapshot path, is
// handed to the next handler unchanged.
package middleware

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/edgequota/seosnap/internal/classifier"
	"github.com/edgequota/seosnap/internal/config"
	"github.com/edgequota/seosnap/internal/headers"
	"github.com/edgequota/seosnap/internal/hooks"
	"github.com/edgequota/seosnap/internal/observability"
	"github.com/edgequota/seosnap/internal/provider"
	"github.com/edgequota/seosnap/internal/snapshot"
)

var tracer = otel.Tracer("seosnap.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
// The math/rand/v2 top-level source is ChaCha8-backed, randomly seeded and
// safe for concurrent use.
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], rand.Uint64())
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// state is everything derived from one configuration. It is built once per
// load or reload and never mutated, so requests read it without locking.
type state struct {
	rules    *classifier.RuleSet
	provider provider.Provider
	tokens   provider.TokenProvider
	fetcher  *snapshot.Fetcher
	urlOpts  classifier.URLOptions
	level    slog.Level

	// service is the per-request ServiceConfig minus Token and Scheme.
	service provider.ServiceConfig
}

// Filter is the snapshot middleware. It is safe for concurrent use.
type Filter struct {
	next  atomic.Pointer[http.Handler]
	state atomic.Pointer[state]

	hooks    hooks.EventHooks
	hooksSet bool

	registry      *provider.Registry
	tokenOverride provider.TokenProvider
	client        *http.Client

	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures optional Filter behavior.
type Option func(*Filter)

// WithRegistry replaces the built-in provider registry.
func WithRegistry(r *provider.Registry) Option {
	return func(f *Filter) { f.registry = r }
}

// WithHooks installs h instead of the handler named by
// hooks.event_handler. A nil h disables hooks.
func WithHooks(h hooks.EventHooks) Option {
	return func(f *Filter) {
		f.hooks = h
		f.hooksSet = true
	}
}

// WithTokenProvider overrides the configured token source.
func WithTokenProvider(tp provider.TokenProvider) Option {
	return func(f *Filter) { f.tokenOverride = tp }
}

// WithHTTPClient sets the client used for snapshot calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Filter) { f.client = c }
}

// New creates a Filter in front of next. Every configuration problem
// (unknown provider, hook or token source, bad pattern or timeout) is
// returned here so that it never reaches request handling.
func New(next http.Handler, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) (*Filter, error) {
	f := &Filter{
		registry: provider.DefaultRegistry(),
		logger:   logger.With("component", "filter"),
		metrics:  metrics,
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = &http.Client{Transport: snapshot.NewTransport(cfg.Snapshot.Transport)}
	}

	st, err := f.buildState(cfg)
	if err != nil {
		return nil, err
	}

	if !f.hooksSet {
		h, err := hooks.New(cfg, logger, metrics)
		if err != nil {
			return nil, err
		}
		f.hooks = h
	}

	f.state.Store(st)
	f.next.Store(&next)
	return f, nil
}

func (f *Filter) buildState(cfg *config.Config) (*state, error) {
	rules, err := classifier.Compile(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	p, err := f.registry.Lookup(string(cfg.Snapshot.Service))
	if err != nil {
		return nil, err
	}

	tokens := f.tokenOverride
	if tokens == nil {
		tokens, err = provider.NewTokenProvider(string(cfg.Snapshot.TokenProvider), cfg.Snapshot.ServiceToken.Value(), cfg.Snapshot.TokenFile)
		if err != nil {
			return nil, err
		}
	}

	timeout, err := cfg.Snapshot.FetchTimeout()
	if err != nil {
		return nil, fmt.Errorf("snapshot timeout: %w", err)
	}
	if timeout == 0 {
		f.logger.Warn("snapshot fetch timeout is unbounded; a hung provider holds requests until the client gives up")
	}

	extra := make(http.Header, len(cfg.Snapshot.RequestHeaders))
	for name, value := range cfg.Snapshot.RequestHeaders {
		extra.Add(name, value)
	}

	level := observability.SlogLevel(cfg.Logging.DecisionLevel)
	return &state{
		rules:    rules,
		provider: p,
		tokens:   tokens,
		fetcher: snapshot.NewFetcher(
			snapshot.WithHTTPClient(f.client),
			snapshot.WithTimeout(timeout),
			snapshot.WithMaxBodySize(cfg.Snapshot.MaxBodySize),
			snapshot.WithLogger(f.logger),
		),
		urlOpts: classifier.URLOptions{
			UseLocalPort:        cfg.Snapshot.ForwardRequestsUsingLocalPort,
			TrustForwardedProto: cfg.Snapshot.TrustForwardedProto,
		},
		level: level,
		service: provider.ServiceConfig{
			BaseURL:  cfg.Snapshot.ServiceURL,
			Headers:  extra,
			Options:  provider.ParseOptions(cfg.Snapshot.ServiceOptions),
			LogLevel: level,
		},
	}, nil
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so that streaming passthrough responses work.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP serves a snapshot to crawlers and passes everything else to the
// next handler.
func (f *Filter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		f.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	if f.serveSnapshot(sw, r, f.state.Load(), reqID) {
		return
	}
	(*f.next.Load()).ServeHTTP(sw, r)
}

// serveSnapshot runs classification, the before hook and the fetch. It
// reports whether the response has been written. A panic or unexpected
// error before anything is written degrades to passthrough.
func (f *Filter) serveSnapshot(sw *statusWriter, r *http.Request, st *state, reqID string) (handled bool) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			f.metrics.IncFilterErrors()
			f.logger.Error("panic on snapshot path",
				"panic", v,
				"url", r.URL.String(),
				"request_id", reqID,
				"stack", string(debug.Stack()),
			)
			handled = sw.written
		}
	}()

	if !f.classify(r, st) {
		return false
	}

	target := classifier.FullURL(r, st.urlOpts)
	r = r.WithContext(hooks.WithInfo(r.Context(), hooks.RequestInfo{
		URL:       target,
		Provider:  st.provider.Name(),
		RequestID: reqID,
	}))

	if f.hooks != nil {
		res, err := f.beforeSnapshot(r)
		if err != nil {
			f.fail(r.Context(), "before-snapshot hook failed", err, reqID)
			return false
		}
		if res != nil {
			f.metrics.IncHookShortCircuit()
			f.writeSnapshot(sw, res, reqID)
			return true
		}
	}

	sc, err := f.serviceConfig(r, st)
	if err != nil {
		f.fail(r.Context(), "resolving service token failed", err, reqID)
		return false
	}

	fetchStart := time.Now()
	res, err := st.fetcher.Fetch(r.Context(), st.provider, target, r.Header, sc)
	f.metrics.RecordSnapshot(st.provider.Name(), string(snapshot.OutcomeOf(err)), time.Since(fetchStart))
	if err != nil {
		if !errors.Is(err, snapshot.ErrFallthrough) {
			f.fail(r.Context(), "snapshot fetch failed", err, reqID)
		}
		return false
	}

	f.writeSnapshot(sw, res, reqID)
	if f.hooks != nil {
		f.hooks.AfterSnapshot(r, res)
	}
	return true
}

func (f *Filter) classify(r *http.Request, st *state) bool {
	ctx, span := tracer.Start(r.Context(), "seosnap.classify")
	defer span.End()

	url := classifier.CanonicalURL(r, st.urlOpts)
	d := st.rules.Decide(r, url, st.provider)

	span.SetAttributes(
		attribute.Bool("seosnap.intercept", d.Intercept),
		attribute.String("seosnap.reason", string(d.Reason)),
	)
	f.metrics.RecordDecision(d.Intercept, string(d.Reason))
	f.logger.Log(ctx, st.level, "classified request",
		"url", url,
		"method", r.Method,
		"user_agent", r.UserAgent(),
		"decision", d.String(),
	)
	return d.Intercept
}

func (f *Filter) beforeSnapshot(r *http.Request) (*snapshot.Result, error) {
	ctx, span := tracer.Start(r.Context(), "seosnap.before_hook")
	defer span.End()

	res, err := f.hooks.BeforeSnapshot(r.WithContext(ctx))
	span.SetAttributes(attribute.Bool("seosnap.short_circuit", res != nil))
	return res, err
}

// serviceConfig builds the per-request provider view. The token is
// resolved here, once per intercepted request.
func (f *Filter) serviceConfig(r *http.Request, st *state) (*provider.ServiceConfig, error) {
	token, err := st.tokens.ServiceToken(r.Context())
	if err != nil {
		return nil, err
	}
	sc := st.service
	sc.Token = token
	sc.Scheme = classifier.RequestScheme(r, st.urlOpts.TrustForwardedProto)
	return &sc, nil
}

// writeSnapshot commits res as a 200 response.
func (f *Filter) writeSnapshot(sw *statusWriter, res *snapshot.Result, reqID string) {
	h := sw.Header()
	if res.Header != nil {
		headers.CopyResponse(h, res.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	h.Set(requestIDHeader, reqID)

	sw.WriteHeader(http.StatusOK)
	if _, err := sw.Write(res.Body); err != nil {
		f.logger.Debug("writing snapshot to client failed", "error", err, "request_id", reqID)
	}
}

func (f *Filter) fail(ctx context.Context, msg string, err error, reqID string) {
	f.metrics.IncFilterErrors()
	f.logger.WarnContext(ctx, msg, "error", err, "request_id", reqID)
}

// Reload swaps in the state derived from cfg. On error the running state is
// kept. The hook handler and the snapshot transport are fixed at startup.
func (f *Filter) Reload(cfg *config.Config) error {
	st, err := f.buildState(cfg)
	if err != nil {
		return err
	}
	f.state.Store(st)
	f.logger.Info("filter configuration reloaded",
		"provider", st.provider.Name(),
		"timeout", cfg.Snapshot.Timeout,
	)
	return nil
}

// SwapNext atomically replaces the passthrough handler.
func (f *Filter) SwapNext(next http.Handler) {
	f.next.Store(&next)
}

// Close releases the hook handler.
func (f *Filter) Close() error {
	if f.hooks != nil {
		return f.hooks.Close()
	}
	return nil
}
