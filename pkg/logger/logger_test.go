package logger

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel, json bool) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&Config{
		Level:      level,
		Output:     &buf,
		JSON:       json,
		TimeFormat: "15:04:05",
	}), &buf
}

func TestFromContext(t *testing.T) {
	t.Run("Should return logger stored in context", func(t *testing.T) {
		expected := NewLogger(TestConfig())
		ctx := ContextWithLogger(t.Context(), expected)
		assert.Equal(t, expected, FromContext(ctx))
	})

	t.Run("Should fall back to default logger", func(t *testing.T) {
		cases := map[string]context.Context{
			"empty":      t.Context(),
			"wrong type": context.WithValue(t.Context(), LoggerCtxKey, "not a logger"),
			"nil logger": context.WithValue(t.Context(), LoggerCtxKey, (Logger)(nil)),
		}
		for name, ctx := range cases {
			l := FromContext(ctx)
			require.NotNil(t, l, name)
			l.Info("fallback", "case", name)
		}
	})
}

func TestLogLevel_ToCharmlogLevel(t *testing.T) {
	t.Run("Should map levels onto charm levels", func(t *testing.T) {
		cases := []struct {
			level    LogLevel
			expected int
		}{
			{DebugLevel, -4},
			{InfoLevel, 0},
			{WarnLevel, 4},
			{ErrorLevel, 8},
			{DisabledLevel, 1000},
			{LogLevel("verbose"), 0},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.expected, int(tc.level.ToCharmlogLevel()), "level %s", tc.level)
		}
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("Should write text output with context fields", func(t *testing.T) {
		log, buf := newBufferLogger(InfoLevel, false)
		log.With("dataset_id", "ds-1").Info("retrieve completed", "records", 3)
		out := buf.String()
		assert.Contains(t, out, "retrieve completed")
		assert.Contains(t, out, "dataset_id")
		assert.Contains(t, out, "ds-1")
	})

	t.Run("Should write JSON output when enabled", func(t *testing.T) {
		log, buf := newBufferLogger(InfoLevel, true)
		log.Info("session opened", "session_id", "abc")
		assert.Contains(t, buf.String(), `"msg":"session opened"`)
		assert.Contains(t, buf.String(), `"session_id":"abc"`)
	})

	t.Run("Should filter below configured level", func(t *testing.T) {
		log, buf := newBufferLogger(WarnLevel, false)
		log.Debug("debug message")
		log.Info("info message")
		log.Warn("warn message")
		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("Should produce nothing when disabled", func(t *testing.T) {
		log, buf := newBufferLogger(DisabledLevel, false)
		log.Error("error message")
		assert.Empty(t, buf.String())
	})
}

func TestConfigDefaults(t *testing.T) {
	t.Run("Should default to stderr", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, InfoLevel, cfg.Level)
		assert.Equal(t, os.Stderr, cfg.Output)
		assert.False(t, cfg.JSON)
	})

	t.Run("Should discard output in tests", func(t *testing.T) {
		cfg := TestConfig()
		assert.Equal(t, DisabledLevel, cfg.Level)
		assert.Equal(t, io.Discard, cfg.Output)
	})

	t.Run("Should detect go test binary", func(t *testing.T) {
		assert.True(t, IsTestEnvironment())
	})
}

func TestGetLoggerConfig(t *testing.T) {
	t.Run("Should read logging flags from command", func(t *testing.T) {
		cmd := &cobra.Command{Use: "serve"}
		cmd.Flags().String("log-level", "info", "")
		cmd.Flags().Bool("log-json", false, "")
		cmd.Flags().Bool("log-source", false, "")
		require.NoError(t, cmd.Flags().Parse([]string{"--log-level", "debug", "--log-json"}))

		level, logJSON, logSource, err := GetLoggerConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, DebugLevel, level)
		assert.True(t, logJSON)
		assert.False(t, logSource)
	})

	t.Run("Should fail when flags are missing", func(t *testing.T) {
		_, _, _, err := GetLoggerConfig(&cobra.Command{Use: "bare"})
		assert.Error(t, err)
	})
}
