package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_WritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bibforge.log")
	logger, closeFn, err := New(Config{File: path, Level: "debug", Console: &console})
	require.NoError(t, err)

	logger.Named("gc").Debug("cycle", zap.String("session_id", "s-1"))
	require.NoError(t, closeFn())

	assert.Contains(t, console.String(), "cycle")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "cycle", entry["message"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "gc", entry["logger"])
	assert.Equal(t, "s-1", entry["session_id"])
}

func TestNew_ProductionConsoleIsJSON(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := New(Config{Production: true, Console: &console})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, closeFn())

	out := strings.TrimSpace(console.String())
	assert.NotContains(t, out, "hidden")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, "shown", entry["message"])
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)
	level, err = ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)
	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}
