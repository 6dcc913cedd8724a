package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestSetup_JSON(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	Setup("debug", "json", &buf)
	log.Debug().Str("path", "a.css").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "a.css", line["path"])
	assert.Equal(t, "hello", line["message"])
	assert.Contains(t, line, "time")
}

func TestSetup_LevelFilters(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	Setup("warn", "json", &buf)
	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	Setup("chatty", "json", &buf)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	Setup("", "json", &buf)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSetup_Console(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer

	Setup("info", "console", &buf)
	log.Info().Str("path", "a.css").Msg("reloading")

	out := buf.String()
	assert.Contains(t, out, "reloading")
	assert.Contains(t, out, "path=")
	assert.False(t, json.Valid(buf.Bytes()))
}
