package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"DEBUG": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"Error": zerolog.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dropwatch.log")
	log, closer, err := New(Config{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info().Msg("filtered")
	log.Warn().Str("component", "consumer").Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "consumer", entry["component"])
	assert.Contains(t, entry, "time")
}

func TestTextFormatToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text.log")
	log, closer, err := New(Config{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	log.Info().Str("dir", "/in").Msg("consumer started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "consumer started")
	assert.Contains(t, string(data), "dir=/in")
}

func TestUnknownFormat(t *testing.T) {
	_, _, err := New(Config{Format: "xml", Output: "stderr"})
	assert.Error(t, err)
}
