package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv applies env overrides to cfg the way LoadFromPath does.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "SEOSNAP_"}))
}

// validBase returns a config that passes Validate.
func validBase() *Config {
	cfg := Defaults()
	cfg.Backend.URL = "http://app:3000"
	return cfg
}

func loadYAML(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return LoadFromPath(path)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":9090", cfg.Admin.Address)
	assert.Equal(t, BackendProtocolAuto, cfg.Backend.Protocol)
	assert.Equal(t, ProviderAjaxSnapshots, cfg.Snapshot.Service)
	assert.Equal(t, TokenSourceStatic, cfg.Snapshot.TokenProvider)
	assert.Equal(t, "60s", cfg.Snapshot.Timeout)
	assert.Equal(t, int64(10<<20), cfg.Snapshot.MaxBodySize)
	assert.Equal(t, "15s", cfg.Snapshot.Transport.H2PingTimeout)
	assert.False(t, cfg.Snapshot.ForwardRequestsUsingLocalPort)
	assert.Nil(t, cfg.Rules.Whitelist)
	assert.Nil(t, cfg.Rules.Blacklist)
	assert.Equal(t, HookNone, cfg.Hooks.EventHandler)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
	assert.Equal(t, LogLevelDebug, cfg.Logging.DecisionLevel)
	assert.Equal(t, "seosnap", cfg.Tracing.ServiceName)
	assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		cfg, err := loadYAML(t, `
server:
  address: ":9999"
backend:
  url: "http://app:3000"
snapshot:
  service: "Prerender"
  service_url: "render.internal:3000"
  service_token: "s3cret"
  service_options: "wait=1,mobile"
  request_headers:
    X-Tenant: "shop"
  timeout: "5s"
rules:
  crawler_user_agents: ["duckduckbot", "  "]
  extensions_to_ignore: [".webp"]
  whitelist: ['.*/products/.*']
  blacklist: ['.*/admin/.*']
hooks:
  event_handler: "LOG"
logging:
  level: "debug"
  format: "text"
  decision_level: "info"
`)
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, ProviderPrerender, cfg.Snapshot.Service)
		assert.Equal(t, "render.internal:3000", cfg.Snapshot.ServiceURL)
		assert.Equal(t, "s3cret", cfg.Snapshot.ServiceToken.Value())
		assert.Equal(t, "wait=1,mobile", cfg.Snapshot.ServiceOptions)
		assert.Equal(t, map[string]string{"X-Tenant": "shop"}, cfg.Snapshot.RequestHeaders)
		assert.Equal(t, []string{"duckduckbot"}, cfg.Rules.CrawlerUserAgents)
		assert.Equal(t, []string{".webp"}, cfg.Rules.ExtensionsToIgnore)
		assert.Equal(t, []string{".*/products/.*"}, cfg.Rules.Whitelist)
		assert.Equal(t, []string{".*/admin/.*"}, cfg.Rules.Blacklist)
		assert.Equal(t, HookLog, cfg.Hooks.EventHandler)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
		assert.Equal(t, LogLevelInfo, cfg.Logging.DecisionLevel)

		d, err := cfg.Snapshot.FetchTimeout()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		_, err := loadYAML(t, "{{{not yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("SEOSNAP_BACKEND_URL", "http://app:3000")
		t.Setenv("SEOSNAP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ProviderAjaxSnapshots, cfg.Snapshot.Service)
	})

	t.Run("blank service falls back to ajaxsnapshots", func(t *testing.T) {
		cfg, err := loadYAML(t, `
backend:
  url: "http://app:3000"
snapshot:
  service: "  "
`)
		require.NoError(t, err)
		assert.Equal(t, ProviderAjaxSnapshots, cfg.Snapshot.Service)
	})

	t.Run("unknown service is a config error", func(t *testing.T) {
		_, err := loadYAML(t, `
backend:
  url: "http://app:3000"
snapshot:
  service: "phantomjs"
`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "snapshot.service")
	})
}

func TestFilterOptionsInYAML(t *testing.T) {
	t.Run("filter options overlay the YAML tree", func(t *testing.T) {
		cfg, err := loadYAML(t, `
backend:
  url: "http://app:3000"
snapshot:
  service: ajaxsnapshots
filter_options:
  snapshotService: prerender
  crawlerUserAgents: "duckduckbot, yandex"
  loggingLevel: FINE
  forwardRequestsUsingLocalPort: "true"
`)
		require.NoError(t, err)
		assert.Equal(t, ProviderPrerender, cfg.Snapshot.Service)
		assert.Equal(t, []string{"duckduckbot", "yandex"}, cfg.Rules.CrawlerUserAgents)
		assert.Equal(t, LogLevelDebug, cfg.Logging.DecisionLevel)
		assert.True(t, cfg.Snapshot.ForwardRequestsUsingLocalPort)
	})

	t.Run("env beats filter options", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_SERVICE", "ajaxsnapshots")
		cfg, err := loadYAML(t, `
backend:
  url: "http://app:3000"
filter_options:
  snapshotService: prerender
`)
		require.NoError(t, err)
		assert.Equal(t, ProviderAjaxSnapshots, cfg.Snapshot.Service)
	})

	t.Run("bad option fails the load", func(t *testing.T) {
		_, err := loadYAML(t, `
backend:
  url: "http://app:3000"
filter_options:
  forwardRequestsUsingLocalPort: "sometimes"
`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "forwardRequestsUsingLocalPort")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides string field", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_SERVICE_URL", "snap.internal")
		cfg := Defaults()
		parseEnv(t, cfg)
		assert.Equal(t, "snap.internal", cfg.Snapshot.ServiceURL)
	})

	t.Run("env overrides backend protocol", func(t *testing.T) {
		t.Setenv("SEOSNAP_BACKEND_PROTOCOL", "h1")
		cfg := Defaults()
		parseEnv(t, cfg)
		assert.Equal(t, BackendProtocolH1, cfg.Backend.Protocol)
	})

	t.Run("env overrides int64 field", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_MAX_BODY_SIZE", "1024")
		cfg := Defaults()
		parseEnv(t, cfg)
		assert.Equal(t, int64(1024), cfg.Snapshot.MaxBodySize)
	})

	t.Run("env overrides bool field", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_FORWARD_REQUESTS_USING_LOCAL_PORT", "true")
		cfg := Defaults()
		parseEnv(t, cfg)
		assert.True(t, cfg.Snapshot.ForwardRequestsUsingLocalPort)
	})

	t.Run("env overrides slice field with comma separation", func(t *testing.T) {
		t.Setenv("SEOSNAP_RULES_CRAWLER_USER_AGENTS", "duckduckbot,yandex")
		cfg := Defaults()
		parseEnv(t, cfg)
		assert.Equal(t, []string{"duckduckbot", "yandex"}, cfg.Rules.CrawlerUserAgents)
	})

	t.Run("env overrides map field", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_REQUEST_HEADERS", "X-Tenant:shop,X-Env:prod")
		cfg := Defaults()
		parseEnv(t, cfg)
		assert.Equal(t, map[string]string{"X-Tenant": "shop", "X-Env": "prod"}, cfg.Snapshot.RequestHeaders)
	})

	t.Run("env vars override YAML values", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_SERVICE_TOKEN", "from-env")
		cfg, err := loadYAML(t, `
backend:
  url: "http://app:3000"
snapshot:
  service_token: "from-yaml"
  service_url: "keep-me"
`)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Snapshot.ServiceToken.Value())
		assert.Equal(t, "keep-me", cfg.Snapshot.ServiceURL)
	})

	t.Run("invalid bool env var is an error", func(t *testing.T) {
		t.Setenv("SEOSNAP_SNAPSHOT_TRUST_FORWARDED_PROTO", "maybe")
		cfg := Defaults()
		assert.Error(t, env.ParseWithOptions(cfg, env.Options{Prefix: "SEOSNAP_"}))
	})
}

func TestNormalize(t *testing.T) {
	cfg := validBase()
	cfg.Snapshot.Service = " PRERENDER "
	cfg.Snapshot.TokenProvider = "File"
	cfg.Hooks.EventHandler = "Events"
	cfg.Logging.Level = "WARN"
	cfg.Logging.Format = "Text"
	cfg.Logging.DecisionLevel = ""
	cfg.Server.TLS.MinVersion = "TLS13"
	cfg.Rules.Blacklist = []string{" ", ""}
	cfg.Backend.Protocol = " H2C "

	cfg.normalize()

	assert.Equal(t, BackendProtocolH2C, cfg.Backend.Protocol)

	assert.Equal(t, ProviderPrerender, cfg.Snapshot.Service)
	assert.Equal(t, TokenSourceFile, cfg.Snapshot.TokenProvider)
	assert.Equal(t, HookEvents, cfg.Hooks.EventHandler)
	assert.Equal(t, LogLevelWarn, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
	assert.Equal(t, LogLevelDebug, cfg.Logging.DecisionLevel)
	assert.Equal(t, TLSVersion13, cfg.Server.TLS.MinVersion)
	assert.Nil(t, cfg.Rules.Blacklist, "a blank list behaves as absent")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid minimal config", func(*Config) {}, ""},
		{"missing backend URL", func(c *Config) { c.Backend.URL = "" }, "backend.url is required"},
		{"backend URL without host", func(c *Config) { c.Backend.URL = "app:3000" }, "scheme and host"},
		{"unknown backend protocol", func(c *Config) { c.Backend.Protocol = "grpc" }, "backend.protocol"},
		{"h1 backend protocol", func(c *Config) { c.Backend.Protocol = BackendProtocolH1 }, ""},
		{"invalid server timeout", func(c *Config) { c.Server.ReadTimeout = "soon" }, "server.read_timeout"},
		{"invalid snapshot h2 ping timeout", func(c *Config) { c.Snapshot.Transport.H2PingTimeout = "soon" }, "snapshot.transport.h2_ping_timeout"},
		{"TLS enabled without cert", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"HTTP3 without TLS", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "http3_enabled"},
		{"invalid TLS min_version", func(c *Config) { c.Server.TLS.MinVersion = "1.0" }, "min_version"},
		{"unknown snapshot service", func(c *Config) { c.Snapshot.Service = "phantomjs" }, "snapshot.service"},
		{"unknown token provider", func(c *Config) { c.Snapshot.TokenProvider = "vault" }, "token_provider"},
		{"file token without path", func(c *Config) { c.Snapshot.TokenProvider = TokenSourceFile }, "token_file"},
		{"zero timeout", func(c *Config) { c.Snapshot.Timeout = "0s" }, "snapshot.timeout"},
		{"garbage timeout", func(c *Config) { c.Snapshot.Timeout = "later" }, "snapshot.timeout"},
		{"unbounded timeout", func(c *Config) { c.Snapshot.Timeout = "Unbounded" }, ""},
		{"negative max body", func(c *Config) { c.Snapshot.MaxBodySize = -1 }, "max_body_size"},
		{"bad whitelist regex", func(c *Config) { c.Rules.Whitelist = []string{"("} }, "rules.whitelist"},
		{"bad blacklist regex", func(c *Config) { c.Rules.Blacklist = []string{"[a-"} }, "rules.blacklist"},
		{"unknown event handler", func(c *Config) { c.Hooks.EventHandler = "kafka" }, "hooks.event_handler"},
		{"events hook without URL", func(c *Config) { c.Hooks.EventHandler = HookEvents }, "events.http.url"},
		{"events hook with URL", func(c *Config) {
			c.Hooks.EventHandler = HookEvents
			c.Events.HTTP.URL = "http://collector/events"
		}, ""},
		{"invalid logging level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"invalid logging format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"invalid decision level", func(c *Config) { c.Logging.DecisionLevel = "fine" }, "decision_level"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 60 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"unbounded", 0, false},
		{"UNBOUNDED", 0, false},
		{"-1s", 0, true},
		{"0", 0, true},
		{"forever", 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := SnapshotConfig{Timeout: tt.in}.FetchTimeout()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("5s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("", 7*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, d)

	_, err = ParseDuration("bogus", time.Second)
	assert.Error(t, err)
}

func TestEnumValid(t *testing.T) {
	assert.True(t, ProviderPrerender.Valid())
	assert.False(t, ProviderName("").Valid())
	assert.True(t, TokenSource("").Valid())
	assert.False(t, TokenSource("vault").Valid())
	assert.True(t, HookNone.Valid())
	assert.False(t, HookName("kafka").Valid())
	assert.True(t, LogLevelWarn.Valid())
	assert.False(t, LogLevel("fine").Valid())
	assert.True(t, LogFormatText.Valid())
	assert.True(t, TLSVersion("").Valid())
	assert.False(t, TLSVersion("1.1").Valid())
	assert.True(t, BackendProtocol("").Valid())
	assert.True(t, BackendProtocolH2C.Valid())
	assert.False(t, BackendProtocol("h3").Valid())
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("token-123")

	assert.Equal(t, "token-123", secret.Value())
	assert.Equal(t, "[REDACTED]", secret.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", secret))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", secret))
	assert.Empty(t, RedactedString("").String())

	b, err := json.Marshal(struct {
		Token RedactedString `json:"token"`
	}{secret})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(b))

	b, err = json.Marshal(RedactedString(""))
	require.NoError(t, err)
	assert.Equal(t, `""`, string(b))
}

func TestRequiresRestart(t *testing.T) {
	base := validBase()

	t.Run("nil old returns nil", func(t *testing.T) {
		assert.Nil(t, base.RequiresRestart(nil))
	})

	t.Run("rule and provider changes hot-reload", func(t *testing.T) {
		next := validBase()
		next.Snapshot.Service = ProviderPrerender
		next.Snapshot.ServiceToken = "rotated"
		next.Rules.Blacklist = []string{".*/admin/.*"}
		next.Logging.DecisionLevel = LogLevelInfo
		assert.Empty(t, next.RequiresRestart(base))
	})

	t.Run("listener and hook changes need a restart", func(t *testing.T) {
		next := validBase()
		next.Server.Address = ":1"
		next.Admin.Address = ":2"
		next.Server.TLS.Enabled = true
		next.Hooks.EventHandler = HookLog
		next.Events.HTTP.URL = "http://collector"
		next.Snapshot.Transport.DialTimeout = "1s"
		assert.Equal(t, []string{
			"server.address",
			"admin.address",
			"server.tls.enabled",
			"hooks.event_handler",
			"events.http.url",
			"snapshot.transport",
		}, next.RequiresRestart(base))
	})
}
