package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, expected := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		level, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, level, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Level: slog.LevelDebug, Format: FormatJSON, Output: &buf})
	logger.Debug("handshake acknowledged", "client", "abc")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "handshake acknowledged", entry["msg"])
	assert.Equal(t, "abc", entry["client"])
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Level: slog.LevelWarn, Output: &buf})
	logger.Info("ignored")

	assert.Empty(t, buf.String())
}
