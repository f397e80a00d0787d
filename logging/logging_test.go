package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")

	logger, err := New(Config{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("accrual run finished", zap.Int("created", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "accrual run finished", entry["msg"])
	assert.Equal(t, float64(3), entry["created"])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry, "caller")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger, err := New(Config{Level: "verbose", Format: "console"})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNew_DebugLevel(t *testing.T) {
	logger, err := New(Config{Level: "debug", OutputPath: "stderr"})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}
