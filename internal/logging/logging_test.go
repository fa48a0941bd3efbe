package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := setup(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug().Str("component", "fanout").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "fanout", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	_, err := setup(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	log.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := setup(Config{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)
}
