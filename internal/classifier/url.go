package classifier

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// URLOptions control how the canonical URL of a request is built.
type URLOptions struct {
	// UseLocalPort builds the authority from the server name and the port
	// the listener accepted the connection on, instead of the Host header's
	// port. Ignored when the local port is unknown or zero.
	UseLocalPort bool
	// TrustForwardedProto takes the scheme from X-Forwarded-Proto.
	TrustForwardedProto bool
}

// RequestScheme returns "https" for TLS connections and "http" otherwise.
// With trustForwarded, a valid X-Forwarded-Proto wins.
func RequestScheme(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
			// A proxy chain may append values; the first one is the client's.
			v, _, _ = strings.Cut(v, ",")
			switch v = strings.ToLower(strings.TrimSpace(v)); v {
			case "http", "https":
				return v
			}
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// CanonicalURL returns scheme://host[:port]/path for r, without the query
// string. This is the URL the extension, whitelist and blacklist rules see.
func CanonicalURL(r *http.Request, opts URLOptions) string {
	scheme := RequestScheme(r, opts.TrustForwardedProto)
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	if opts.UseLocalPort {
		if port := localPort(r); port != 0 {
			host = hostname(host)
			if !isDefaultPort(scheme, port) {
				host = net.JoinHostPort(host, strconv.Itoa(port))
			} else if strings.Contains(host, ":") {
				host = "[" + host + "]"
			}
		}
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// FullURL returns the canonical URL with the original query string appended
// when present. This is the page the snapshot provider is asked to render.
func FullURL(r *http.Request, opts URLOptions) string {
	u := CanonicalURL(r, opts)
	if r.URL.RawQuery != "" || r.URL.ForceQuery {
		u += "?" + r.URL.RawQuery
	}
	return u
}

func localPort(r *http.Request) int {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok || addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}

// hostname strips the port from a Host header value, keeping IPv6 literals
// unbracketed.
func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}
