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
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Format: FormatJSON, Writer: &buf})
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	logger.Debug().Msg("hidden")
	logger.Info().Str("vm", "db1").Msg("snapshot created")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "db1", entry["vm"])
	assert.Equal(t, "snapshot created", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNew_ConsoleDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "debug", Writer: &buf})
	require.NoError(t, err)

	logger.Debug().Str("vm", "db1").Msg("polling")

	out := buf.String()
	assert.Contains(t, out, "polling")
	assert.Contains(t, out, "vm=")
	assert.False(t, json.Valid([]byte(strings.TrimSpace(out))))
}

func TestNew_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "log", "vmbackup.log")

	logger, closer, err := New(Options{Writer: &buf, File: path})
	require.NoError(t, err)

	logger.Warn().Msg("low space")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(bytes.TrimSpace(data)), "file sink should be JSON: %s", data)
	assert.Contains(t, string(data), "low space")
	assert.Contains(t, buf.String(), "low space")
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
