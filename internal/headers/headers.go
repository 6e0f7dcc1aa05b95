// Package headers classifies HTTP header names for the snapshot path. It
// decides which inbound request headers may be forwarded to a snapshot
// provider and which upstream response headers may be copied back to the
// caller. All lookups are case-insensitive and side-effect free.
package headers

import (
	"net/http"
	"strings"
)

// HopByHop lists the headers that are meaningful for a single transport leg
// only (RFC 2616 section 13.5.1) and must not cross the snapshot boundary.
var HopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// hopByHopSet holds the lowercased HopByHop names.
var hopByHopSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(HopByHop))
	for _, h := range HopByHop {
		m[strings.ToLower(h)] = struct{}{}
	}
	return m
}()

// IsHopByHop reports whether name is a hop-by-hop header.
func IsHopByHop(name string) bool {
	_, ok := hopByHopSet[strings.ToLower(name)]
	return ok
}

// Forwardable reports whether an inbound request header may be sent to the
// snapshot provider. Content-Length and Host are recomputed by the outbound
// transport and are never copied.
func Forwardable(name string) bool {
	if strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Host") {
		return false
	}
	return !IsHopByHop(name)
}

// RequestHeaders returns the subset of the caller's headers that may be
// forwarded upstream. Every value of a multi-valued header is kept in order.
// The source header is not modified.
func RequestHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for name, values := range src {
		if !Forwardable(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// Merge appends every value of each source into dst, in source order. A name
// already present in dst keeps its values; later sources add to it and never
// replace it.
func Merge(dst http.Header, sources ...http.Header) http.Header {
	if dst == nil {
		dst = make(http.Header)
	}
	for _, src := range sources {
		for name, values := range src {
			for _, v := range values {
				dst.Add(name, v)
			}
		}
	}
	return dst
}

// CopyResponse adds the upstream response headers to dst, skipping only the
// hop-by-hop set. Content-Length passes through in this direction.
func CopyResponse(dst, src http.Header) {
	for name, values := range src {
		if IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
