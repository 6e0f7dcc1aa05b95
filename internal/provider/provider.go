// Package provider implements the snapshot providers: external services that
// render a page and return its HTML. Each provider knows how to address its
// API for a target URL, which credentials header it expects, and whether an
// inbound request is the provider's own crawler coming back through the
// filter.
//
// Providers are stateless values. Per-request inputs (token, scheme, extra
// headers) travel in a ServiceConfig built once for the request.
package provider

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Provider is the capability set of a snapshot service.
type Provider interface {
	// Name is the registry key of the provider (e.g. "prerender").
	Name() string

	// DefaultBaseURL is the service endpoint used when no override is
	// configured. It may be bare (host/path) or scheme-qualified.
	DefaultBaseURL() string

	// UpstreamURL builds the provider API URL that snapshots target, given
	// the effective base URL (see EffectiveBaseURL).
	UpstreamURL(target, baseURL string) string

	// UpstreamHeaders returns the provider-specific headers for an outbound
	// snapshot call. An absent token yields no credentials header.
	UpstreamHeaders(cfg *ServiceConfig) http.Header

	// IsSelfRequest reports whether r was issued by the provider itself while
	// rendering a page, so the filter must not intercept it again.
	IsSelfRequest(r *http.Request) bool
}

// ServiceConfig is the per-request view of the provider settings. It is
// built once when the request enters the filter and never mutated after.
// Headers and Options may be shared between requests and must be treated as
// read-only.
type ServiceConfig struct {
	// Token identifies the application to the provider. Empty means absent.
	Token string
	// BaseURL overrides the provider default. Empty means use the default.
	BaseURL string
	// Scheme is "http" or "https", taken from the inbound request.
	Scheme string
	// Headers are attached to every outbound snapshot call.
	Headers http.Header
	// Options is an opaque name/value mapping passed through to providers.
	Options map[string]string
	// LogLevel is the level used for diagnostic output on the snapshot path.
	LogLevel slog.Level
}

// EffectiveBaseURL returns the base URL to call for p under cfg. The override
// wins over the provider default, any http:// or https:// prefix is stripped
// case-insensitively, and the request scheme is always re-applied.
func EffectiveBaseURL(p Provider, cfg *ServiceConfig) string {
	base := cfg.BaseURL
	if base == "" {
		base = p.DefaultBaseURL()
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + stripScheme(base)
}

func stripScheme(u string) string {
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "http://"):
		return u[len("http://"):]
	case strings.HasPrefix(lower, "https://"):
		return u[len("https://"):]
	}
	return u
}

// componentUnescaper restores the characters that JavaScript's
// encodeURIComponent leaves alone but url.QueryEscape percent-encodes, and
// turns form-style spaces into %20.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
	"%7E", "~",
)

// EncodeURIComponent percent-encodes s like JavaScript's encodeURIComponent:
// only A-Z a-z 0-9 and - _ . ! ~ * ' ( ) are left unescaped.
func EncodeURIComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

// ParseOptions parses a comma-separated list of name=value pairs. Names and
// values are trimmed, a pair without '=' maps to an empty value, and pairs
// with a blank name are dropped. Later duplicates win.
func ParseOptions(s string) map[string]string {
	opts := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return opts
	}
	for _, pair := range strings.Split(s, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(pair), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		opts[name] = strings.TrimSpace(value)
	}
	return opts
}
