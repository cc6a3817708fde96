package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, ParseLevel("DEBUG"), slog.LevelDebug)
	assert.Equal(t, ParseLevel(" warning "), slog.LevelWarn)
	assert.Equal(t, ParseLevel("error"), slog.LevelError)
	assert.Equal(t, ParseLevel("nonsense"), slog.LevelInfo)
}

func TestUseWriterHonorsLevel(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	var buf bytes.Buffer
	UseWriter(&buf, "warn")
	Info("patch_applied", "room", "lobby")
	Warn("patch_dropped", "room", "lobby")

	out := buf.String()
	assert.Equal(t, strings.Contains(out, "patch_applied"), false)
	assert.Equal(t, strings.Contains(out, "patch_dropped"), true)
	assert.Equal(t, strings.Contains(out, "room=lobby"), true)
}

func TestHelpersAreNilSafe(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()
	Log = nil
	Debug("x")
	Info("x")
	Warn("x")
	Error("x")
}
