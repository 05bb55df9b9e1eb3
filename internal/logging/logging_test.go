package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosandia/crm-renove-sub007/internal/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, "json", slog.LevelInfo))
	l.Debug("hidden")
	l.Info("section saved", "section", "stages")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "section saved", rec["msg"])
	assert.Equal(t, "stages", rec["section"])
}

func TestNewHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, "text", slog.LevelDebug))
	l.Debug("save attempt", "attempt", 2)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "attempt=2")
}

func TestNew_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pipeline.log")
	l, closer, err := New(config.LogConfig{Level: "warn", Format: "text", File: path, MaxSizeMB: 1}, false)
	require.NoError(t, err)
	l.Info("dropped")
	l.Warn("kept", "section", "cadence")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "section=cadence")
}

func TestNew_VerboseAndBadLevel(t *testing.T) {
	l, closer, err := New(config.LogConfig{Level: "error"}, true)
	require.NoError(t, err)
	defer closer.Close()
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	_, _, err = New(config.LogConfig{Level: "nope"}, false)
	assert.Error(t, err)
}
