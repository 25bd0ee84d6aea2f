package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("写入轮转文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "attachsync.log")
		log, err := NewLogger(Config{Level: "debug", LogFile: file, MaxSize: 1, Service: "attachsync"})
		require.NoError(t, err)

		log.Info("Attachment synced")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "Attachment synced")
		assert.Contains(t, string(data), `"service":"attachsync"`)
	})

	t.Run("空级别使用 info", func(t *testing.T) {
		log, err := NewLogger(Config{})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("无效级别报错", func(t *testing.T) {
		_, err := NewLogger(Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("组件名写入日志", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "attachsync.log")
		log, err := NewLogger(Config{Level: "info", LogFile: file})
		require.NoError(t, err)

		Component(log, "worker").Info("Job acknowledged")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"worker"`)
	})
}

func TestComponent(t *testing.T) {
	assert.NotNil(t, Component(nil, "worker"))
	assert.NotNil(t, Component(NewDevelopmentLogger(), "worker"))
}
