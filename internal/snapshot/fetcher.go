// Package snapshot performs the single outbound call to a snapshot provider.
// A fetch either returns the rendered page or a FallthroughError telling the
// caller to let the application handle the request; it never retries and
// never caches.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/edgequota/seosnap/internal/config"
	"github.com/edgequota/seosnap/internal/headers"
	"github.com/edgequota/seosnap/internal/provider"
)

var tracer = otel.Tracer("seosnap.snapshot")

// Defaults applied by NewFetcher.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxBodySize = 10 << 20
)

// failureDumpLimit caps how much of a failed upstream body is logged.
const failureDumpLimit = 4096

// Outcome classifies a fetch. Values are used as metric labels.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeUpstreamFailure  Outcome = "upstream_failure"
	OutcomeTransportFailure Outcome = "transport_failure"
)

// ErrFallthrough matches every FallthroughError via errors.Is.
var ErrFallthrough = errors.New("snapshot fallthrough")

// FallthroughError reports a fetch that did not produce a snapshot. It is
// never an error for the end user: the request falls through to the
// application.
type FallthroughError struct {
	Outcome    Outcome
	StatusCode int // upstream status, 0 for transport failures
	Err        error
}

func (e *FallthroughError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("snapshot %s (status %d): %v", e.Outcome, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("snapshot %s: %v", e.Outcome, e.Err)
}

func (e *FallthroughError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFallthrough) true for any FallthroughError.
func (e *FallthroughError) Is(target error) bool { return target == ErrFallthrough }

// OutcomeOf returns the outcome carried by err.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var fe *FallthroughError
	if errors.As(err, &fe) {
		return fe.Outcome
	}
	return OutcomeTransportFailure
}

// Result is a rendered page. Header is the upstream response header as
// received; hop-by-hop filtering happens when it is copied to the caller.
type Result struct {
	Body   []byte
	Header http.Header
}

// Fetcher issues snapshot calls. It is safe for concurrent use.
type Fetcher struct {
	client      *http.Client
	timeout     time.Duration
	maxBodySize int64
	logger      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client. The client's own Timeout, if any,
// still applies in addition to the fetch timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout bounds each fetch. Zero disables the bound, so a hung
// provider holds the caller until the inbound request is canceled.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithMaxBodySize caps the snapshot body. Zero disables the cap.
func WithMaxBodySize(n int64) Option {
	return func(f *Fetcher) { f.maxBodySize = n }
}

// WithLogger sets the logger for request and response dumps.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher with a 60s timeout and a 10 MiB body cap.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		timeout:     DefaultTimeout,
		maxBodySize: DefaultMaxBodySize,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = &http.Client{Transport: NewTransport(config.TransportConfig{})}
	}
	return f
}

// NewTransport builds the outbound transport for snapshot calls. Empty or
// invalid durations fall back to the defaults. Providers are reached over
// TLS, so HTTP/2 is negotiated through ALPN and its connections get the
// configured read-idle health check.
func NewTransport(tc config.TransportConfig) *http.Transport {
	dial := durationOr(tc.DialTimeout, 10*time.Second)
	keepAlive := durationOr(tc.DialKeepAlive, 30*time.Second)
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32, // one provider host per process
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   durationOr(tc.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOr(tc.ExpectContinueTimeout, time.Second),
	}
	if h2, err := http2.ConfigureTransports(t); err == nil {
		h2.ReadIdleTimeout = durationOr(tc.H2ReadIdleTimeout, 30*time.Second)
		h2.PingTimeout = durationOr(tc.H2PingTimeout, 15*time.Second)
	}
	return t
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := config.ParseDuration(s, def)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Fetch asks p to render target. callerHeader is the inbound request's
// header; it is filtered and merged with the provider headers and the
// configured extra headers, each source adding to (never replacing) the
// previous ones. Any non-200 status, oversized body, timeout or transport
// error yields a *FallthroughError.
func (f *Fetcher) Fetch(ctx context.Context, p provider.Provider, target string, callerHeader http.Header, sc *provider.ServiceConfig) (*Result, error) {
	ctx, span := tracer.Start(ctx, "seosnap.fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	upstream := p.UpstreamURL(target, provider.EffectiveBaseURL(p, sc))
	span.SetAttributes(
		attribute.String("seosnap.provider", p.Name()),
		attribute.String("seosnap.target", target),
	)

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	res, err := f.do(ctx, p, upstream, target, callerHeader, sc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(OutcomeOf(err)))
		return nil, err
	}
	return res, nil
}

func (f *Fetcher) do(ctx context.Context, p provider.Provider, upstream, target string, callerHeader http.Header, sc *provider.ServiceConfig) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, &FallthroughError{Outcome: OutcomeTransportFailure, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = headers.Merge(headers.RequestHeaders(callerHeader), p.UpstreamHeaders(sc), sc.Headers)

	lvl := sc.LogLevel
	f.logger.Log(ctx, lvl, "about to snapshot requested url", "url", target)
	if f.logger.Enabled(ctx, lvl) {
		f.logger.Log(ctx, lvl, "snapshot request",
			"method", req.Method,
			"upstream", upstream,
			"headers", dumpHeaders(req.Header, sc.Token),
		)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Log(ctx, lvl, "snapshot transport failure",
			"upstream", upstream,
			"timeout", isTimeout(err),
			"elapsed", time.Since(start),
			"error", err,
		)
		return nil, &FallthroughError{Outcome: OutcomeTransportFailure, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var preview []byte
		if f.logger.Enabled(ctx, lvl) {
			preview, _ = io.ReadAll(io.LimitReader(resp.Body, failureDumpLimit))
		}
		f.logger.Log(ctx, lvl, "snapshotting failed",
			"status", resp.Status,
			"headers", dumpHeaders(resp.Header, ""),
			"body", string(preview),
		)
		return nil, &FallthroughError{
			Outcome:    OutcomeUpstreamFailure,
			StatusCode: resp.StatusCode,
			Err:        errors.New("unexpected upstream status"),
		}
	}

	body, err := f.readBody(resp.Body)
	if err != nil {
		f.logger.Log(ctx, lvl, "snapshot body read failed", "upstream", upstream, "error", err)
		return nil, err
	}

	f.logger.Log(ctx, lvl, "snapshotting was successful",
		"status", resp.Status,
		"headers", dumpHeaders(resp.Header, ""),
		"bytes", len(body),
		"elapsed", time.Since(start),
	)
	return &Result{Body: body, Header: resp.Header.Clone()}, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBodySize <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, &FallthroughError{Outcome: OutcomeTransportFailure, Err: fmt.Errorf("read snapshot body: %w", err)}
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, f.maxBodySize+1))
	if err != nil {
		return nil, &FallthroughError{Outcome: OutcomeTransportFailure, Err: fmt.Errorf("read snapshot body: %w", err)}
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, &FallthroughError{
			Outcome:    OutcomeUpstreamFailure,
			StatusCode: http.StatusOK,
			Err:        fmt.Errorf("snapshot body exceeds %d bytes", f.maxBodySize),
		}
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// dumpHeaders renders h as "Name: v1,v2" lines in name order. Values equal
// to secret are masked.
func dumpHeaders(h http.Header, secret string) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		values := h[name]
		if secret != "" {
			masked := make([]string, len(values))
			for j, v := range values {
				if v == secret {
					v = "[REDACTED]"
				}
				masked[j] = v
			}
			values = masked
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}
