package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoggerIsUsableBeforeInit(t *testing.T) {
	require.NotPanics(t, func() {
		Info("before init", zap.String("k", "v"))
		GetLogger().Debug("nop")
	})
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	err := Init("loud", "json", "stdout")
	require.Error(t, err)
}

func TestInit_WritesJSONToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("info", "json", path))

	Info("session allocated", zap.String("chat_id", "c-1"))
	Debug("filtered out")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"session allocated"`)
	require.Contains(t, string(data), `"chat_id":"c-1"`)
	require.NotContains(t, string(data), "filtered out")
}
