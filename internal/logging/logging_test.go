package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "debug")
	require.NoError(t, err)

	logger.Debug("cache miss", "path", "dandi/x/annotations.jsonl")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "cache miss", line["msg"])
	require.Equal(t, "DEBUG", line["level"])
	require.Equal(t, "dandi/x/annotations.jsonl", line["path"])
}

func TestNewTextLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "", "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "status", 409)

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.True(t, strings.Contains(out, "msg=shown"), out)
	require.Contains(t, out, "status=409")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(nil, "xml", "info")
	require.Error(t, err)

	_, err = New(nil, "text", "verbose")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
}

func TestDiscard(t *testing.T) {
	require.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
