package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTunables(t *testing.T) {
	d := Default()
	assert.Equal(t, int64(50), d.Transition.TickMinMillis)
	assert.Equal(t, int64(1000), d.Transition.TickMaxMillis)
	assert.Equal(t, 1000, d.Transition.TargetSamples)
	assert.Equal(t, 1e-4, d.Pairing.DefaultEpsilon)
	assert.Equal(t, 4, d.Executor.Workers)
	assert.Equal(t, 4096, d.Resource.LinkCacheCapacity)
}

func TestLoadOverlayPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.toml")
	content := `
[transition]
tick_max_millis = 2000

[pairing]
default_epsilon = 0.01
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := LoadOverlay(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Transition.TickMaxMillis)
	assert.Equal(t, 0.01, got.Pairing.DefaultEpsilon)
	assert.Equal(t, int64(50), got.Transition.TickMinMillis, "unset fields keep defaults")
	assert.Equal(t, 4, got.Executor.Workers)
}

func TestLoadOverlayMissingFile(t *testing.T) {
	_, err := LoadOverlay("/nonexistent/path/tunables.toml")
	assert.Error(t, err)
}
