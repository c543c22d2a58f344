// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/osimpipe/internal/config"
)

// -- Test Helper Functions --

// bufferSink is a WriteSyncer over an in-memory buffer.
type bufferSink struct {
	bytes.Buffer
}

func (b *bufferSink) Sync() error { return nil }

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		var sink bufferSink

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}
		Initialize(cfg, zapcore.AddSync(&sink))
		GetLogger().Info("This is a test message.")
		Sync()

		output := sink.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, "TestService.")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		var sink bufferSink

		cfg := config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}
		Initialize(cfg, zapcore.AddSync(&sink))
		GetLogger().Warn("This is a JSON message.", zap.String("key", "value"))
		Sync()

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(sink.Bytes(), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "warn", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("should respect the configured level", func(t *testing.T) {
		ResetForTest()
		var sink bufferSink

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&sink))
		GetLogger().Info("dropped")
		Sync()
		assert.Empty(t, sink.String())
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "osimpipe.log")

		cfg := config.LoggerConfig{Level: "debug", Format: "console", LogFile: logFile, MaxSize: 1}
		Initialize(cfg, zapcore.AddSync(&bufferSink{}))
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		var sink bufferSink

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, zapcore.AddSync(&sink))
		logger1 := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, zapcore.AddSync(&sink))
		logger2 := GetLogger()

		assert.Same(t, logger1, logger2)
		logger2.Info("test")
		Sync()
		assert.Contains(t, sink.String(), "First")
		assert.NotContains(t, sink.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		assert.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, zapcore.AddSync(&bufferSink{}))
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
