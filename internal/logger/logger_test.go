package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", "json", &buf)
	log.Debug("hidden")
	log.Info("match", "id", "a", "score", 0.91)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "match", rec["msg"])
	assert.Equal(t, "photomatch", rec["service"])
	assert.Equal(t, "a", rec["id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	New("warn", "text", &buf).Info("dropped")
	assert.Empty(t, buf.String())

	New("warn", "text", &buf).Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")
}
