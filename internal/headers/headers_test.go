package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHopByHop(t *testing.T) {
	t.Run("matches every hop-by-hop name case-insensitively", func(t *testing.T) {
		for _, h := range HopByHop {
			assert.True(t, IsHopByHop(h), h)
			assert.True(t, IsHopByHop(http.CanonicalHeaderKey(h)), h)
		}
		assert.True(t, IsHopByHop("keep-alive"))
		assert.True(t, IsHopByHop("TRANSFER-ENCODING"))
		assert.True(t, IsHopByHop("te"))
	})

	t.Run("end-to-end headers are not hop-by-hop", func(t *testing.T) {
		assert.False(t, IsHopByHop("Content-Type"))
		assert.False(t, IsHopByHop("Content-Length"))
		assert.False(t, IsHopByHop("Host"))
		assert.False(t, IsHopByHop("User-Agent"))
		assert.False(t, IsHopByHop("Trailer")) // only the plural form is listed
	})
}

func TestForwardable(t *testing.T) {
	assert.False(t, Forwardable("Content-Length"))
	assert.False(t, Forwardable("content-length"))
	assert.False(t, Forwardable("Host"))
	assert.False(t, Forwardable("HOST"))
	assert.False(t, Forwardable("Connection"))
	assert.False(t, Forwardable("Upgrade"))

	assert.True(t, Forwardable("User-Agent"))
	assert.True(t, Forwardable("Accept-Language"))
	assert.True(t, Forwardable("X-Custom"))
}

func TestRequestHeaders(t *testing.T) {
	t.Run("drops excluded names and keeps all values of the rest", func(t *testing.T) {
		src := http.Header{}
		src.Add("User-Agent", "Googlebot/2.1")
		src.Add("Accept", "text/html")
		src.Add("Accept", "application/xhtml+xml")
		src.Set("Host", "example.com")
		src.Set("Content-Length", "12")
		src.Set("Connection", "keep-alive")
		src.Set("Keep-Alive", "timeout=5")
		src.Set("Proxy-Authorization", "Basic abc")

		out := RequestHeaders(src)

		assert.Equal(t, []string{"Googlebot/2.1"}, out.Values("User-Agent"))
		assert.Equal(t, []string{"text/html", "application/xhtml+xml"}, out.Values("Accept"))
		assert.Empty(t, out.Values("Host"))
		assert.Empty(t, out.Values("Content-Length"))
		assert.Empty(t, out.Values("Connection"))
		assert.Empty(t, out.Values("Keep-Alive"))
		assert.Empty(t, out.Values("Proxy-Authorization"))
	})

	t.Run("does not modify the source", func(t *testing.T) {
		src := http.Header{"Host": {"example.com"}, "Accept": {"*/*"}}
		_ = RequestHeaders(src)
		assert.Len(t, src, 2)
	})
}

func TestMerge(t *testing.T) {
	t.Run("same-named headers accumulate instead of overwriting", func(t *testing.T) {
		a := http.Header{"X-Foo": {"one"}}
		b := http.Header{"X-Foo": {"two"}}
		c := http.Header{"X-Foo": {"three"}, "X-Bar": {"bar"}}

		out := Merge(nil, a, b, c)

		assert.Equal(t, []string{"one", "two", "three"}, out.Values("X-Foo"))
		assert.Equal(t, []string{"bar"}, out.Values("X-Bar"))
	})

	t.Run("canonicalizes names so differently cased sources merge", func(t *testing.T) {
		out := Merge(http.Header{}, http.Header{"x-foo": {"a"}}, http.Header{"X-Foo": {"b"}})
		assert.Equal(t, []string{"a", "b"}, out.Values("X-Foo"))
		assert.NotContains(t, out, "x-foo")
	})

	t.Run("nil sources are ignored", func(t *testing.T) {
		out := Merge(nil, nil, http.Header{"A": {"1"}}, nil)
		assert.Equal(t, "1", out.Get("A"))
	})
}

func TestCopyResponse(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/html; charset=utf-8")
	src.Set("Content-Length", "42")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "close")

	dst := http.Header{}
	dst.Set("X-Request-Id", "req-1")
	CopyResponse(dst, src)

	assert.Equal(t, "text/html; charset=utf-8", dst.Get("Content-Type"))
	assert.Equal(t, "42", dst.Get("Content-Length"))
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
	assert.Equal(t, "req-1", dst.Get("X-Request-Id"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Empty(t, dst.Get("Connection"))
}
