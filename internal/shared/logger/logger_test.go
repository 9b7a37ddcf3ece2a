package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureGlobal(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = orig })
	return &buf
}

func TestEventFields(t *testing.T) {
	buf := captureGlobal(t)

	Info().
		Str("chain", "c1").
		Int("port", 1080).
		Bool("transparent", true).
		Dur("interval", 1500*time.Millisecond).
		Msg("Starting gateway.")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "info", fields["level"])
	assert.Equal(t, "c1", fields["chain"])
	assert.EqualValues(t, 1080, fields["port"])
	assert.Equal(t, true, fields["transparent"])
	assert.EqualValues(t, 1500, fields["interval"]) // zerolog 默认以毫秒输出时长
	assert.Equal(t, "Starting gateway.", fields["message"])
}

func TestWithComponent(t *testing.T) {
	buf := captureGlobal(t)

	l := WithComponent("Gateway")
	l.Warn().Msg("listener closed")
	assert.Contains(t, buf.String(), `"component":"Gateway"`)
}
