package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockflow/internal/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	lg.Info().Msg("hidden")
	clg := Component(lg, "publisher")
	clg.Warn().Str("topic", "ProductCreated").Msg("visible")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "publisher", entry["component"])
	assert.Equal(t, "ProductCreated", entry["topic"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	lg := New(config.LogConfig{Level: "loud", Format: "json"}, &buf)
	lg.Debug().Msg("debug")
	lg.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}
