package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesJSONFile(t *testing.T) {
	t.Cleanup(func() { Log = zap.NewNop().Sugar() })
	path := filepath.Join(t.TempDir(), "coach.log")

	require.NoError(t, Init("warn", path))
	Info("hidden at warn level")
	Warn("session socket lost", "attempt", 2)
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"message":"session socket lost"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.NotContains(t, out, "hidden at warn level")
}

func TestNopBeforeInit(t *testing.T) {
	Log = zap.NewNop().Sugar()
	Debug("nothing")
	Error("still nothing", "k", "v")
}
