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
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/slotwatch/internal/config"
)

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("ConsoleWithColors", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "slotwatch",
			Colors:      config.ColorConfig{Info: "green"},
		}, zapcore.AddSync(&buf))

		GetLogger().Named("scheduler").Info("Poll cycle complete.")
		Sync()

		out := buf.String()
		assert.Contains(t, out, colorGreen+"INFO"+colorReset)
		assert.Contains(t, out, "slotwatch.scheduler.")
		assert.Contains(t, out, "Poll cycle complete.")
	})

	t.Run("JSON", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "slotwatch"}, zapcore.AddSync(&buf))

		GetLogger().Warn("Scan degraded.", zap.String("stage", "markup"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "slotwatch", entry["logger"])
		assert.Equal(t, "Scan degraded.", entry["msg"])
		assert.Equal(t, "markup", entry["stage"])
	})

	t.Run("RotatedFile", func(t *testing.T) {
		ResetForTest()
		path := filepath.Join(t.TempDir(), "slotwatch.log")
		var console bytes.Buffer
		Initialize(config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1}, zapcore.AddSync(&console))

		GetLogger().Error("Session unrecoverable.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"Session unrecoverable."`)
	})

	t.Run("OnlyOnce", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "first"}, zapcore.AddSync(&buf))
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, zapcore.AddSync(&buf))

		assert.Same(t, first, GetLogger())
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	assert.NotNil(t, GetLogger())
}

func TestRedactionFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	logger.Info("Configuration loaded.",
		Secret("password", "hunter2"),
		Secret("app_password", ""),
		Email("identity", "player@example.test"),
		Email("short", "a@example.test"),
	)

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "<redacted>", fields["password"])
	assert.Equal(t, "<unset>", fields["app_password"])
	assert.Equal(t, "pl****@example.test", fields["identity"])
	assert.Equal(t, "a@example.test", fields["short"])
}
