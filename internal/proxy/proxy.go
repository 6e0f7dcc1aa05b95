// Package proxy forwards passthrough traffic to the dynamic application.
// The backend leg speaks HTTP/1.1 by default whatever protocol the client
// used, and https:// backends may negotiate HTTP/2 through ALPN. Prior
// knowledge h2c is opt-in via backend.protocol. Protocol upgrades such as
// WebSocket are relayed by httputil.ReverseProxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/edgequota/seosnap/internal/config"
)

// Proxy is the passthrough handler in front of the application backend.
type Proxy struct {
	backend     *url.URL
	rp          *httputil.ReverseProxy
	h1          *http.Transport
	h2          *http2.Transport // nil unless backend.protocol is h2c.
	dialTimeout time.Duration
	logger      *slog.Logger
}

// New creates a reverse proxy for cfg.URL.
func New(cfg config.BackendConfig, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.URL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme and host are required", cfg.URL)
	}
	if !cfg.Protocol.Valid() {
		return nil, fmt.Errorf("invalid backend protocol %q", cfg.Protocol)
	}

	p := &Proxy{
		backend:     target,
		dialTimeout: durationOr(cfg.Transport.DialTimeout, 30*time.Second),
		logger:      logger.With("component", "proxy"),
	}
	p.h1, p.h2 = buildTransports(cfg, target.Scheme == "https")

	var transport http.RoundTripper = p.h1
	if p.h2 != nil {
		transport = &protocolAwareTransport{http1: p.h1, http2: p.h2}
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// The application renders absolute links from the Host it sees.
			pr.Out.Host = pr.In.Host
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  p.handleError,
	}
	return p, nil
}

func buildTransports(cfg config.BackendConfig, backendTLS bool) (*http.Transport, *http2.Transport) {
	tc := cfg.Transport
	dialer := &net.Dialer{
		Timeout:   durationOr(tc.DialTimeout, 30*time.Second),
		KeepAlive: durationOr(tc.DialKeepAlive, 30*time.Second),
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	h1 := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       durationOr(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   durationOr(tc.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOr(tc.ExpectContinueTimeout, time.Second),
		ResponseHeaderTimeout: durationOr(cfg.Timeout, 30*time.Second),
	}

	switch cfg.Protocol {
	case config.BackendProtocolH1:
		// A non-nil empty map disables the bundled HTTP/2 upgrade.
		h1.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		return h1, nil
	case config.BackendProtocolH2C:
		h2 := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
				if !backendTLS {
					return dialer.DialContext(ctx, network, addr)
				}
				td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
				return td.DialContext(ctx, network, addr)
			},
			ReadIdleTimeout: durationOr(tc.H2ReadIdleTimeout, 30*time.Second),
			PingTimeout:     durationOr(tc.H2PingTimeout, 15*time.Second),
		}
		return h1, h2
	default:
		// ALPN decides for https:// backends; http:// stays on HTTP/1.1.
		h1.ForceAttemptHTTP2 = backendTLS
		if backendTLS {
			configureH2Keepalive(h1, tc)
		}
		return h1, nil
	}
}

// configureH2Keepalive applies the HTTP/2 health-check settings to the
// connections h1 negotiates through ALPN.
func configureH2Keepalive(h1 *http.Transport, tc config.TransportConfig) {
	h2, err := http2.ConfigureTransports(h1)
	if err != nil {
		return
	}
	h2.ReadIdleTimeout = durationOr(tc.H2ReadIdleTimeout, 30*time.Second)
	h2.PingTimeout = durationOr(tc.H2PingTimeout, 15*time.Second)
}

// ServeHTTP forwards r to the backend.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		p.logger.Debug("client went away during passthrough", "path", r.URL.Path, "error", err)
		return
	}
	p.logger.Error("backend request failed", "path", r.URL.Path, "error", err)
	w.WriteHeader(http.StatusBadGateway)
}

// CloseIdleConnections releases pooled backend connections. The server calls
// it on a proxy that was replaced by a config reload.
func (p *Proxy) CloseIdleConnections() {
	p.h1.CloseIdleConnections()
	if p.h2 != nil {
		p.h2.CloseIdleConnections()
	}
}

// Ping dials the backend. The readiness endpoint uses it as the deep check.
func (p *Proxy) Ping(ctx context.Context) error {
	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostPort(p.backend))
	if err != nil {
		return err
	}
	return conn.Close()
}

// protocolAwareTransport is used in h2c mode: HTTP/2 and HTTP/3 requests go
// out as HTTP/2 with prior knowledge, HTTP/1.x requests (including upgrades)
// stay on HTTP/1.1.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := config.ParseDuration(s, def)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
