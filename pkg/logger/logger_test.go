package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetRestores(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Set(zap.New(core))

	Info("profile cache hit", zap.String("service", "rh"))
	Debug("dropped")
	ForRun("r1", "rh", "2024-03-10").Info("Day processed")

	restore()
	Info("not observed")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "profile cache hit", entries[0].Message)
	assert.Equal(t, "pipeline", entries[1].LoggerName)
	assert.Equal(t, "r1", entries[1].ContextMap()["run_id"])
}

func TestInit(t *testing.T) {
	defer Set(Log)()

	require.NoError(t, Init(Options{Level: "debug", Format: "json", Output: filepath.Join(t.TempDir(), "app.log")}))
	assert.True(t, Log.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, Init(Options{Level: "loud"}))
}
