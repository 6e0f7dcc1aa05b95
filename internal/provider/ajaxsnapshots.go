package provider

import "net/http"

// Header names used by the ajaxsnapshots.com API.
const (
	AjaxSnapshotsAPIKeyHeader   = "X-AJS-APIKEY"
	AjaxSnapshotsCallTypeHeader = "X-AJS-CALLTYPE"
)

// AjaxSnapshots is the https://ajaxsnapshots.com/ provider. The target page
// is passed as a percent-encoded "url" query parameter.
type AjaxSnapshots struct{}

// Name implements Provider.
func (AjaxSnapshots) Name() string { return "ajaxsnapshots" }

// DefaultBaseURL implements Provider.
func (AjaxSnapshots) DefaultBaseURL() string { return "api.ajaxsnapshots.com/makeSnapshot" }

// UpstreamURL implements Provider.
func (AjaxSnapshots) UpstreamURL(target, baseURL string) string {
	return baseURL + "?url=" + EncodeURIComponent(target)
}

// UpstreamHeaders implements Provider.
func (AjaxSnapshots) UpstreamHeaders(cfg *ServiceConfig) http.Header {
	h := make(http.Header)
	if cfg.Token != "" {
		h.Set(AjaxSnapshotsAPIKeyHeader, cfg.Token)
	}
	return h
}

// IsSelfRequest implements Provider. The ajaxsnapshots crawler marks its own
// fetches with X-AJS-CALLTYPE; any value, including an empty one, counts.
func (AjaxSnapshots) IsSelfRequest(r *http.Request) bool {
	return len(r.Header.Values(AjaxSnapshotsCallTypeHeader)) > 0
}
