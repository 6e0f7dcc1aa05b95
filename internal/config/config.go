// Package config handles loading and validation of seosnap configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// SEOSNAP_ prefix:
//
//	snapshot.service → SEOSNAP_SNAPSHOT_SERVICE
//	rules.crawler_user_agents → SEOSNAP_RULES_CRAWLER_USER_AGENTS
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via SEOSNAP_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/seosnap/config.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// ProviderName selects the snapshot provider.
type ProviderName string

const (
	ProviderAjaxSnapshots ProviderName = "ajaxsnapshots"
	ProviderPrerender     ProviderName = "prerender"
)

func (p ProviderName) Valid() bool {
	switch p {
	case ProviderAjaxSnapshots, ProviderPrerender:
		return true
	}
	return false
}

// TokenSource selects where the service token comes from.
type TokenSource string

const (
	TokenSourceStatic TokenSource = "static"
	TokenSourceFile   TokenSource = "file"
)

func (s TokenSource) Valid() bool {
	switch s {
	case TokenSourceStatic, TokenSourceFile, "":
		return true
	}
	return false
}

// BackendProtocol selects how passthrough requests reach the application.
type BackendProtocol string

const (
	// BackendProtocolAuto speaks HTTP/1.1 to http:// backends and lets ALPN
	// pick HTTP/2 or HTTP/1.1 for https:// backends.
	BackendProtocolAuto BackendProtocol = "auto"
	// BackendProtocolH1 forces HTTP/1.1, also over TLS.
	BackendProtocolH1 BackendProtocol = "h1"
	// BackendProtocolH2C forwards HTTP/2 requests with prior knowledge
	// (cleartext h2c for http:// backends). HTTP/1.x requests stay on HTTP/1.1.
	BackendProtocolH2C BackendProtocol = "h2c"
)

func (p BackendProtocol) Valid() bool {
	switch p {
	case BackendProtocolAuto, BackendProtocolH1, BackendProtocolH2C, "":
		return true
	}
	return false
}

// HookName selects the built-in before/after snapshot event handler.
type HookName string

const (
	HookNone   HookName = ""
	HookLog    HookName = "log"
	HookEvents HookName = "events"
)

func (h HookName) Valid() bool {
	switch h {
	case HookNone, HookLog, HookEvents:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// TimeoutUnbounded disables the snapshot fetch timeout. A hung provider then
// holds the caller's request until the client goes away.
const TimeoutUnbounded = "unbounded"

// Config is the top-level seosnap configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	Backend  BackendConfig  `yaml:"backend"  envPrefix:"BACKEND_"`
	Snapshot SnapshotConfig `yaml:"snapshot" envPrefix:"SNAPSHOT_"`
	Rules    RulesConfig    `yaml:"rules"    envPrefix:"RULES_"`
	Hooks    HooksConfig    `yaml:"hooks"    envPrefix:"HOOKS_"`
	Events   EventsConfig   `yaml:"events"   envPrefix:"EVENTS_"`
	Logging  LoggingConfig  `yaml:"logging"  envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing"  envPrefix:"TRACING_"`

	// FilterOptions holds servlet-style init parameters (snapshotService,
	// crawlerUserAgents, ...). They are applied on top of the YAML tree and
	// below environment overrides. YAML only.
	FilterOptions map[string]string `yaml:"filter_options"`
}

// ServerConfig holds the main (filtering) server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BackendConfig defines the dynamic application that receives passthrough
// traffic.
type BackendConfig struct {
	URL             string          `yaml:"url"               env:"URL"`
	Protocol        BackendProtocol `yaml:"protocol"          env:"PROTOCOL"`
	Timeout         string          `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int             `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string          `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	Transport       TransportConfig `yaml:"transport"         envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for outbound calls.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
}

// SnapshotConfig selects and parameterizes the snapshot provider.
type SnapshotConfig struct {
	Service       ProviderName   `yaml:"service"         env:"SERVICE"`
	ServiceURL    string         `yaml:"service_url"     env:"SERVICE_URL"`
	ServiceToken  RedactedString `yaml:"service_token"   env:"SERVICE_TOKEN"`
	TokenProvider TokenSource    `yaml:"token_provider"  env:"TOKEN_PROVIDER"`
	TokenFile     string         `yaml:"token_file"      env:"TOKEN_FILE"`

	// ServiceOptions is a comma-separated list of name=value pairs handed to
	// the provider as an opaque mapping.
	ServiceOptions string `yaml:"service_options" env:"SERVICE_OPTIONS"`

	// RequestHeaders are added to every outbound snapshot call.
	RequestHeaders map[string]string `yaml:"request_headers" env:"REQUEST_HEADERS"`

	// Timeout bounds the whole snapshot call. "unbounded" disables it.
	Timeout string `yaml:"timeout" env:"TIMEOUT"`

	// MaxBodySize caps the snapshot body in bytes. Larger bodies fall
	// through to the application.
	MaxBodySize int64 `yaml:"max_body_size" env:"MAX_BODY_SIZE"`

	// ForwardRequestsUsingLocalPort builds the page URL from the server name
	// and the port the listener actually accepted on. Useful behind dev
	// servers that report the scheme default port instead.
	ForwardRequestsUsingLocalPort bool `yaml:"forward_requests_using_local_port" env:"FORWARD_REQUESTS_USING_LOCAL_PORT"`

	// TrustForwardedProto takes the request scheme from X-Forwarded-Proto.
	TrustForwardedProto bool `yaml:"trust_forwarded_proto" env:"TRUST_FORWARDED_PROTO"`

	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
}

// FetchTimeout returns the configured snapshot timeout. A zero duration
// means unbounded.
func (s SnapshotConfig) FetchTimeout() (time.Duration, error) {
	if strings.EqualFold(s.Timeout, TimeoutUnbounded) {
		return 0, nil
	}
	d, err := ParseDuration(s.Timeout, 60*time.Second)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive or %q", TimeoutUnbounded)
	}
	return d, nil
}

// RulesConfig extends the built-in request classification rules.
type RulesConfig struct {
	// CrawlerUserAgents are appended to the built-in crawler tokens.
	CrawlerUserAgents []string `yaml:"crawler_user_agents" env:"CRAWLER_USER_AGENTS" envSeparator:","`
	// ExtensionsToIgnore are appended to the built-in static resource tokens.
	ExtensionsToIgnore []string `yaml:"extensions_to_ignore" env:"EXTENSIONS_TO_IGNORE" envSeparator:","`
	// Whitelist, when non-empty, restricts interception to URLs that fully
	// match one of these regular expressions.
	Whitelist []string `yaml:"whitelist" env:"WHITELIST" envSeparator:","`
	// Blacklist excludes URLs (or referers) that fully match one of these
	// regular expressions.
	Blacklist []string `yaml:"blacklist" env:"BLACKLIST" envSeparator:","`
}

// HooksConfig selects the before/after snapshot event handler.
type HooksConfig struct {
	EventHandler HookName `yaml:"event_handler" env:"EVENT_HANDLER"`
}

// EventsConfig configures the "events" hook, which posts served snapshots
// to an HTTP webhook in batches.
type EventsConfig struct {
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer. It always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`

	// DecisionLevel is the level at which per-request diagnostics (rule
	// outcomes, outbound request and response dumps) are written.
	DecisionLevel LogLevel `yaml:"decision_level" env:"DECISION_LEVEL"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "90s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Protocol:        BackendProtocolAuto,
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Snapshot: SnapshotConfig{
			Service:       ProviderAjaxSnapshots,
			TokenProvider: TokenSourceStatic,
			Timeout:       "60s",
			MaxBodySize:   10 << 20, // 10 MiB
			Transport: TransportConfig{
				DialTimeout:         "10s",
				DialKeepAlive:       "30s",
				TLSHandshakeTimeout: "10s",
				H2ReadIdleTimeout:   "30s",
				H2PingTimeout:       "15s",
			},
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:         LogLevelInfo,
			Format:        LogFormatJSON,
			DecisionLevel: LogLevelDebug,
		},
		Tracing: TracingConfig{
			ServiceName: "seosnap",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("SEOSNAP_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/seosnap/config.yaml and
// can be overridden via SEOSNAP_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if len(cfg.FilterOptions) > 0 {
		if optErr := ApplyFilterOptions(cfg, cfg.FilterOptions); optErr != nil {
			return nil, fmt.Errorf("parsing filter_options in %s: %w", configFile, optErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "SEOSNAP_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields and trims list entries so that YAML
// values like "Prerender" or env values like "DEBUG" match the canonical
// constants.
func (cfg *Config) normalize() {
	cfg.Snapshot.Service = ProviderName(strings.ToLower(strings.TrimSpace(string(cfg.Snapshot.Service))))
	if cfg.Snapshot.Service == "" {
		cfg.Snapshot.Service = ProviderAjaxSnapshots
	}
	cfg.Backend.Protocol = BackendProtocol(strings.ToLower(strings.TrimSpace(string(cfg.Backend.Protocol))))
	if cfg.Backend.Protocol == "" {
		cfg.Backend.Protocol = BackendProtocolAuto
	}
	cfg.Snapshot.TokenProvider = TokenSource(strings.ToLower(strings.TrimSpace(string(cfg.Snapshot.TokenProvider))))
	cfg.Hooks.EventHandler = HookName(strings.ToLower(strings.TrimSpace(string(cfg.Hooks.EventHandler))))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Logging.DecisionLevel = LogLevel(strings.ToLower(string(cfg.Logging.DecisionLevel)))
	if cfg.Logging.DecisionLevel == "" {
		cfg.Logging.DecisionLevel = LogLevelDebug
	}
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))

	cfg.Rules.CrawlerUserAgents = trimList(cfg.Rules.CrawlerUserAgents)
	cfg.Rules.ExtensionsToIgnore = trimList(cfg.Rules.ExtensionsToIgnore)
	cfg.Rules.Whitelist = trimList(cfg.Rules.Whitelist)
	cfg.Rules.Blacklist = trimList(cfg.Rules.Blacklist)
}

// trimList trims every entry and drops blank ones. A list that ends up empty
// is returned as nil.
func trimList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateSnapshot(cfg); err != nil {
		return err
	}
	if err := validateRules(cfg); err != nil {
		return err
	}
	if err := validateHooks(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend.url %q: scheme and host are required", cfg.Backend.URL)
	}
	if !cfg.Backend.Protocol.Valid() {
		return fmt.Errorf("invalid backend.protocol %q: must be auto, h1 or h2c", cfg.Backend.Protocol)
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"backend.transport.dial_timeout", cfg.Backend.Transport.DialTimeout},
		{"backend.transport.dial_keep_alive", cfg.Backend.Transport.DialKeepAlive},
		{"backend.transport.tls_handshake_timeout", cfg.Backend.Transport.TLSHandshakeTimeout},
		{"backend.transport.expect_continue_timeout", cfg.Backend.Transport.ExpectContinueTimeout},
		{"backend.transport.h2_read_idle_timeout", cfg.Backend.Transport.H2ReadIdleTimeout},
		{"backend.transport.h2_ping_timeout", cfg.Backend.Transport.H2PingTimeout},
		{"snapshot.transport.dial_timeout", cfg.Snapshot.Transport.DialTimeout},
		{"snapshot.transport.dial_keep_alive", cfg.Snapshot.Transport.DialKeepAlive},
		{"snapshot.transport.tls_handshake_timeout", cfg.Snapshot.Transport.TLSHandshakeTimeout},
		{"snapshot.transport.expect_continue_timeout", cfg.Snapshot.Transport.ExpectContinueTimeout},
		{"snapshot.transport.h2_read_idle_timeout", cfg.Snapshot.Transport.H2ReadIdleTimeout},
		{"snapshot.transport.h2_ping_timeout", cfg.Snapshot.Transport.H2PingTimeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateSnapshot(cfg *Config) error {
	s := cfg.Snapshot
	if !s.Service.Valid() {
		return fmt.Errorf("invalid snapshot.service %q: must be ajaxsnapshots or prerender", s.Service)
	}
	if !s.TokenProvider.Valid() {
		return fmt.Errorf("invalid snapshot.token_provider %q: must be static or file", s.TokenProvider)
	}
	if s.TokenProvider == TokenSourceFile && s.TokenFile == "" {
		return fmt.Errorf("snapshot.token_file is required when snapshot.token_provider is file")
	}
	if _, err := s.FetchTimeout(); err != nil {
		return fmt.Errorf("invalid snapshot.timeout %q: %w", s.Timeout, err)
	}
	if s.MaxBodySize < 0 {
		return fmt.Errorf("snapshot.max_body_size must be >= 0")
	}
	return nil
}

func validateRules(cfg *Config) error {
	lists := []struct {
		name     string
		patterns []string
	}{
		{"rules.whitelist", cfg.Rules.Whitelist},
		{"rules.blacklist", cfg.Rules.Blacklist},
	}
	for _, l := range lists {
		for _, p := range l.patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid %s pattern %q: %w", l.name, p, err)
			}
		}
	}
	return nil
}

func validateHooks(cfg *Config) error {
	if !cfg.Hooks.EventHandler.Valid() {
		return fmt.Errorf("invalid hooks.event_handler %q: must be log or events", cfg.Hooks.EventHandler)
	}
	if cfg.Hooks.EventHandler == HookEvents && cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when hooks.event_handler is events")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if !cfg.Logging.DecisionLevel.Valid() {
		return fmt.Errorf("invalid logging.decision_level %q", cfg.Logging.DecisionLevel)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.Hooks.EventHandler != old.Hooks.EventHandler {
		fields = append(fields, "hooks.event_handler")
	}
	if c.Events.HTTP.URL != old.Events.HTTP.URL {
		fields = append(fields, "events.http.url")
	}
	if c.Snapshot.Transport != old.Snapshot.Transport {
		fields = append(fields, "snapshot.transport")
	}
	return fields
}
