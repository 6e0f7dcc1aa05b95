// Package server runs the seosnap listeners. The main server puts the
// snapshot filter in front of the application backend (HTTP/1.1, h2c, TLS
// with HTTP/2, optional HTTP/3); the admin server exposes health endpoints and
// Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/edgequota/seosnap/internal/config"
	"github.com/edgequota/seosnap/internal/middleware"
	"github.com/edgequota/seosnap/internal/observability"
	"github.com/edgequota/seosnap/internal/proxy"
)

// Server is the seosnap process: filter, passthrough proxy and admin
// endpoints.
type Server struct {
	cfg             atomic.Pointer[config.Config]
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	filter          *middleware.Filter
	backend         atomic.Pointer[proxy.Proxy]
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New wires the filter in front of a reverse proxy to cfg.Backend.URL.
func New(cfg *config.Config, logger *slog.Logger, version string, opts ...middleware.Option) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	rp, err := proxy.New(cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("create proxy: %w", err)
	}
	health.SetBackendPinger(rp)
	health.SetProvider(string(cfg.Snapshot.Service))

	filter, err := middleware.New(rp, cfg, logger, metrics, opts...)
	if err != nil {
		return nil, fmt.Errorf("create snapshot filter: %w", err)
	}

	mainServer, h3srv := buildMainServer(cfg, filter, logger)

	s := &Server{
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: buildAdminServer(cfg, health, reg),
		filter:      filter,
		health:      health,
		metrics:     metrics,
	}
	s.cfg.Store(cfg)
	s.backend.Store(rp)
	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 90*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT data is replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the configured minimum TLS version, defaulting to 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the listeners and blocks until ctx is canceled or a listener
// fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// Bind before marking ready so health checks never see a server that cannot
	// accept connections.
	ln, err := s.listenMain(cfg)
	if err != nil {
		_ = s.closeResources(context.Background())
		return err
	}

	errCh := make(chan error, 3)
	go s.serve(errCh, "admin server", s.adminServer.ListenAndServe)
	go s.serve(errCh, "main server", func() error { return s.mainServer.Serve(ln) })
	if s.http3Server != nil {
		go s.serve(errCh, "HTTP/3 server", func() error {
			return s.http3Server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		})
	}

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("seosnap is ready",
		"version", s.version,
		"address", cfg.Server.Address,
		"admin", cfg.Admin.Address,
		"backend", cfg.Backend.URL,
		"provider", cfg.Snapshot.Service,
		"tls", cfg.Server.TLS.Enabled,
		"http3", cfg.Server.TLS.HTTP3Enabled,
	)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case runErr = <-errCh:
		s.logger.Error("listener failed, shutting down", "error", runErr)
	}

	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) listenMain(cfg *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return nil, fmt.Errorf("main server listen: %w", err)
	}
	if !cfg.Server.TLS.Enabled {
		return ln, nil
	}

	ch, err := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	s.certs = ch

	tlsCfg := &tls.Config{
		MinVersion:     tlsMinVersion(cfg),
		GetCertificate: ch.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
	s.mainServer.TLSConfig = tlsCfg
	if s.http3Server != nil {
		s.http3Server.TLSConfig = http3.ConfigureTLSConfig(tlsCfg)
	}
	if err := http2.ConfigureServer(s.mainServer, &http2.Server{}); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("configure HTTP/2: %w", err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func (s *Server) serve(errCh chan<- error, name string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s: %w", name, err)
	}
}

// Reload applies a new configuration to the running filter, swaps the
// passthrough proxy when the backend section changed and reloads TLS
// certificates. Fields that need a restart are logged and otherwise ignored.
// On error the running configuration keeps serving.
func (s *Server) Reload(newCfg *config.Config) error {
	err := s.reload(newCfg)
	s.health.RecordReload(err)
	return err
}

func (s *Server) reload(newCfg *config.Config) error {
	old := s.cfg.Load()
	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	var rp *proxy.Proxy
	if newCfg.Backend != old.Backend {
		var err error
		if rp, err = proxy.New(newCfg.Backend, s.logger); err != nil {
			return fmt.Errorf("create proxy: %w", err)
		}
	}

	if err := s.filter.Reload(newCfg); err != nil {
		return err
	}

	if rp != nil {
		s.filter.SwapNext(rp)
		s.health.SetBackendPinger(rp)
		if prev := s.backend.Swap(rp); prev != nil {
			prev.CloseIdleConnections()
		}
		s.logger.Info("backend reloaded", "url", newCfg.Backend.URL, "protocol", newCfg.Backend.Protocol)
	}
	s.health.SetProvider(string(newCfg.Snapshot.Service))

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg.Store(newCfg)
	return nil
}

// Handler returns the main server handler (filter wrapped for h2c).
func (s *Server) Handler() http.Handler {
	return s.mainServer.Handler
}

// AdminHandler returns the admin mux.
func (s *Server) AdminHandler() http.Handler {
	return s.adminServer.Handler
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Load().Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var g errgroup.Group
	if s.http3Server != nil {
		g.Go(func() error { return wrap("HTTP/3 server shutdown", s.http3Server.Shutdown(ctx)) })
	}
	g.Go(func() error { return wrap("main server shutdown", s.mainServer.Shutdown(ctx)) })
	g.Go(func() error { return wrap("admin server shutdown", s.adminServer.Shutdown(ctx)) })
	err := g.Wait()
	if err != nil {
		s.logger.Error("shutdown error", "error", err)
	}

	// Hooks flush after the listeners drain so in-flight snapshots are reported.
	if cerr := s.closeResources(ctx); cerr != nil && err == nil {
		err = cerr
	}

	s.logger.Info("shutdown complete")
	return err
}

func (s *Server) closeResources(ctx context.Context) error {
	var errs []error
	if err := s.filter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("snapshot filter close: %w", err))
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
