package logger_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2serve/internal/config"
	"example.com/h2serve/internal/logger"
)

func strptr(s string) *string { return &s }

func TestNewRejectsNilConfig(t *testing.T) {
	_, _, err := logger.New(nil)
	assert.Error(t, err)
}

func TestNewRejectsBadLevel(t *testing.T) {
	cfg := &config.LoggingConfig{Level: "loud"}
	_, _, err := logger.New(cfg)
	assert.Error(t, err)
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	cfg := &config.LoggingConfig{
		Level:  config.LogLevelInfo,
		Format: strptr("json"),
		Target: strptr(path),
	}

	log, closer, err := logger.New(cfg)
	require.NoError(t, err)

	log.Info().Str("event", "started").Msg("hello")
	log.Debug().Msg("filtered out")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"event":"started"`)
	assert.NotContains(t, out, "filtered out")
}

func TestNewLevelFiltering(t *testing.T) {
	cfg := &config.LoggingConfig{
		Level:  config.LogLevelError,
		Format: strptr("json"),
		Target: strptr("stderr"),
	}
	log, _, err := logger.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, log.GetLevel())
}

func TestNewConsoleFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	cfg := &config.LoggingConfig{
		Level:  config.LogLevelInfo,
		Format: strptr("console"),
		Target: strptr(path),
	}

	log, closer, err := logger.New(cfg)
	require.NoError(t, err)
	log.Info().Msg("plain text line")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "plain text line"))
}
