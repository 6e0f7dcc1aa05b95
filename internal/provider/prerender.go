package provider

import (
	"net/http"
	"strings"
)

// PrerenderTokenHeader carries the prerender.io account token.
const PrerenderTokenHeader = "X-Prerender-Token"

// Prerender is the https://prerender.io provider. It uses the cached
// snapshot API: the raw target URL is appended as a path after the base.
type Prerender struct{}

// Name implements Provider.
func (Prerender) Name() string { return "prerender" }

// DefaultBaseURL implements Provider.
func (Prerender) DefaultBaseURL() string { return "service.prerender.io/" }

// UpstreamURL implements Provider. The target is not re-encoded.
func (Prerender) UpstreamURL(target, baseURL string) string {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + target
}

// UpstreamHeaders implements Provider.
func (Prerender) UpstreamHeaders(cfg *ServiceConfig) http.Header {
	h := make(http.Header)
	if cfg.Token != "" {
		h.Set(PrerenderTokenHeader, cfg.Token)
	}
	return h
}

// IsSelfRequest implements Provider. It always returns false: prerender.io
// renders pages with a non-bot User-Agent, so the crawler rule already keeps
// its fetches out of the snapshot path.
func (Prerender) IsSelfRequest(*http.Request) bool { return false }
