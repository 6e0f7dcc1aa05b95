package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		p        Provider
		baseURL  string
		scheme   string
		expected string
	}{
		{"ajaxsnapshots default over http", AjaxSnapshots{}, "", "http", "http://api.ajaxsnapshots.com/makeSnapshot"},
		{"ajaxsnapshots default over https", AjaxSnapshots{}, "", "https", "https://api.ajaxsnapshots.com/makeSnapshot"},
		{"prerender default", Prerender{}, "", "https", "https://service.prerender.io/"},
		{"bare override", Prerender{}, "render.internal:3000", "http", "http://render.internal:3000"},
		{"request scheme beats configured http", Prerender{}, "http://render.internal/", "https", "https://render.internal/"},
		{"request scheme beats configured https", AjaxSnapshots{}, "https://snap.example/api", "http", "http://snap.example/api"},
		{"scheme strip is case-insensitive", AjaxSnapshots{}, "HTTPS://Snap.Example/api", "http", "http://Snap.Example/api"},
		{"missing scheme falls back to http", Prerender{}, "", "", "http://service.prerender.io/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveBaseURL(tt.p, &ServiceConfig{BaseURL: tt.baseURL, Scheme: tt.scheme})
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeURIComponent(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"a b", "a%20b"},
		{"!'()~*", "!'()~*"},
		{"-_.", "-_."},
		{"https://example.com/a?b=c", "https%3A%2F%2Fexample.com%2Fa%3Fb%3Dc"},
		{"a+b", "a%2Bb"},
		{"#&=/", "%23%26%3D%2F"},
		{"é", "%C3%A9"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.out, EncodeURIComponent(tt.in))
		})
	}
}

func TestAjaxSnapshotsUpstreamURLRoundTrip(t *testing.T) {
	targets := []string{
		"https://example.com/a?b=c",
		"http://example.com/page.html?_escaped_fragment_=key=value",
		"https://example.com/it's/(weird)!~*?q=a b&x=1+2",
		"https://example.com/%E2%9C%93?x=%20",
	}
	p := AjaxSnapshots{}
	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			raw := p.UpstreamURL(target, "https://api.ajaxsnapshots.com/makeSnapshot")
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, "api.ajaxsnapshots.com", u.Host)
			assert.Equal(t, "/makeSnapshot", u.Path)
			assert.Equal(t, target, u.Query().Get("url"))
		})
	}

	t.Run("preserves unreserved punctuation literally", func(t *testing.T) {
		raw := p.UpstreamURL("https://example.com/!'()~", "http://base")
		assert.Equal(t, "http://base?url=https%3A%2F%2Fexample.com%2F!'()~", raw)
	})
}

func TestPrerenderUpstreamURL(t *testing.T) {
	p := Prerender{}
	t.Run("appends the raw target after a slash", func(t *testing.T) {
		assert.Equal(t,
			"https://service.prerender.io/https://example.com/a?b=c d",
			p.UpstreamURL("https://example.com/a?b=c d", "https://service.prerender.io/"))
	})
	t.Run("adds the missing trailing slash", func(t *testing.T) {
		assert.Equal(t,
			"http://render:3000/http://example.com/",
			p.UpstreamURL("http://example.com/", "http://render:3000"))
	})
}

func TestUpstreamHeaders(t *testing.T) {
	t.Run("ajaxsnapshots sends the API key when configured", func(t *testing.T) {
		h := AjaxSnapshots{}.UpstreamHeaders(&ServiceConfig{Token: "secret"})
		assert.Equal(t, "secret", h.Get("X-AJS-APIKEY"))
		assert.Len(t, h, 1)
	})
	t.Run("prerender sends the token when configured", func(t *testing.T) {
		h := Prerender{}.UpstreamHeaders(&ServiceConfig{Token: "secret"})
		assert.Equal(t, "secret", h.Get("X-Prerender-Token"))
		assert.Len(t, h, 1)
	})
	t.Run("absent token adds nothing", func(t *testing.T) {
		assert.Empty(t, AjaxSnapshots{}.UpstreamHeaders(&ServiceConfig{}))
		assert.Empty(t, Prerender{}.UpstreamHeaders(&ServiceConfig{}))
	})
}

func TestIsSelfRequest(t *testing.T) {
	t.Run("ajaxsnapshots detects its call-type marker", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.False(t, AjaxSnapshots{}.IsSelfRequest(r))

		r.Header.Set("X-AJS-CALLTYPE", "snapshot")
		assert.True(t, AjaxSnapshots{}.IsSelfRequest(r))
	})

	t.Run("ajaxsnapshots marker with an empty value still counts", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header["X-Ajs-Calltype"] = []string{""}
		assert.True(t, AjaxSnapshots{}.IsSelfRequest(r))
	})

	// prerender.io fetches pages with a non-bot User-Agent and sends no
	// marker header, so self-requests are never detected by header.
	t.Run("prerender never reports a self request", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-AJS-CALLTYPE", "snapshot")
		r.Header.Set("User-Agent", "Prerender (+https://github.com/prerender/prerender)")
		assert.False(t, Prerender{}.IsSelfRequest(r))
	})
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"blank", "   ", map[string]string{}},
		{"pairs", "a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{"trims", " a = 1 , b= 2 ", map[string]string{"a": "1", "b": "2"}},
		{"missing value", "flag,a=1", map[string]string{"flag": "", "a": "1"}},
		{"value keeps later equals", "q=a=b", map[string]string{"q": "a=b"}},
		{"blank name dropped", "=x,,a=1", map[string]string{"a": "1"}},
		{"later duplicate wins", "a=1,a=2", map[string]string{"a": "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOptions(tt.in))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	t.Run("blank name resolves to the default provider", func(t *testing.T) {
		p, err := r.Lookup("")
		require.NoError(t, err)
		assert.Equal(t, DefaultName, p.Name())
	})

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		p, err := r.Lookup(" Prerender ")
		require.NoError(t, err)
		assert.Equal(t, "prerender", p.Name())
	})

	t.Run("unknown name is an error", func(t *testing.T) {
		_, err := r.Lookup("phantomjs")
		require.ErrorIs(t, err, ErrUnknownProvider)
		assert.Contains(t, err.Error(), "phantomjs")
		assert.Contains(t, err.Error(), "ajaxsnapshots, prerender")
	})

	t.Run("names are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"ajaxsnapshots", "prerender"}, r.Names())
	})
}

func TestNewTokenProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("blank source is static", func(t *testing.T) {
		tp, err := NewTokenProvider("", "tok", "")
		require.NoError(t, err)
		tok, err := tp.ServiceToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok", tok)
	})

	t.Run("file source rereads the file on every call", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

		tp, err := NewTokenProvider("FILE", "", path)
		require.NoError(t, err)

		tok, err := tp.ServiceToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first", tok)

		require.NoError(t, os.WriteFile(path, []byte("  second "), 0o600))
		tok, err = tp.ServiceToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "second", tok)
	})

	t.Run("file source reports a missing file", func(t *testing.T) {
		tp, err := NewTokenProvider("file", "", filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		_, err = tp.ServiceToken(ctx)
		assert.Error(t, err)
	})

	t.Run("file source requires a path", func(t *testing.T) {
		_, err := NewTokenProvider("file", "", "")
		assert.Error(t, err)
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := NewTokenProvider("vault", "", "")
		assert.ErrorIs(t, err, ErrUnknownTokenSource)
	})

	t.Run("func adapter", func(t *testing.T) {
		tp := TokenProviderFunc(func(context.Context) (string, error) { return "dyn", nil })
		tok, err := tp.ServiceToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "dyn", tok)
	})
}
