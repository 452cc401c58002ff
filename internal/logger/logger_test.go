package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Nil(t, logger.closer)
		assert.NoError(t, logger.Close())
	})

	t.Run("plain file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "test.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		_, isRotating := logger.closer.(*RotatingWriter)
		assert.False(t, isRotating)

		zl := logger.GetZerolog()
		zl.Info().Msg("test message")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "test message")
	})

	t.Run("rotating file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")

		logger, err := New(Config{Level: "info", File: logFile, MaxSize: 1, MaxAge: 7})
		require.NoError(t, err)
		_, isRotating := logger.closer.(*RotatingWriter)
		assert.True(t, isRotating)
		require.NoError(t, logger.Close())
	})

	t.Run("redaction", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")

		logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		assert.NotNil(t, logger.redactor)

		zl := logger.GetZerolog()
		zl.Info().Str("dsn", "postgres://mg:hunter2@db/mg").Msg("opening store")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "hunter2")
		assert.Contains(t, string(content), "opening store")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	logger, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	l := logger.Component("api")
	l.Info().Msg("hello")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"component":"api"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
