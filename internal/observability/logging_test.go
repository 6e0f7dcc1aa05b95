package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/seosnap/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("creates JSON logger", func(t *testing.T) {
		assert.NotNil(t, NewLogger(config.LogLevelInfo, config.LogFormatJSON))
	})

	t.Run("JSON output", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelInfo, config.LogFormatJSON)
		l.Info("hello", "provider", "prerender")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "hello", rec["msg"])
		assert.Equal(t, "prerender", rec["provider"])
	})

	t.Run("text output", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelDebug, config.LogFormatText)
		l.Debug("hello")
		assert.Contains(t, buf.String(), "level=DEBUG")
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, config.LogLevelWarn, config.LogFormatJSON)
		l.Info("dropped")
		assert.Empty(t, buf.String())
	})

	t.Run("unknown format falls back to JSON", func(t *testing.T) {
		var buf bytes.Buffer
		NewLoggerTo(&buf, config.LogLevelInfo, "xml").Info("x")
		assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	})
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, SlogLevel(config.LogLevelDebug))
	assert.Equal(t, slog.LevelInfo, SlogLevel(config.LogLevelInfo))
	assert.Equal(t, slog.LevelWarn, SlogLevel(config.LogLevelWarn))
	assert.Equal(t, slog.LevelError, SlogLevel(config.LogLevelError))
	assert.Equal(t, slog.LevelInfo, SlogLevel(""))
	assert.Equal(t, slog.LevelInfo, SlogLevel("trace"))
}
