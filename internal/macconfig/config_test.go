package macconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
node:
  mac: "02:00:00:00:00:01"
buffer:
  capacity: 4
csma:
  enabled: true
  threshold_dbm: -60
tdma:
  enabled: false
  is_coordinator: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdrmac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "02:00:00:00:00:01", cfg.Node.MAC)
	assert.Equal(t, 4, cfg.Buffer.Capacity)
	assert.True(t, cfg.CSMA.Enabled)
	assert.Equal(t, -60.0, cfg.CSMA.ThresholdDBm)
	assert.Equal(t, 1.0, cfg.CSMA.Alpha)
	assert.Equal(t, 50000, cfg.TDMA.PHYDelayUS)
	assert.Equal(t, ":9110", cfg.Prometheus.Listen)
	assert.Equal(t, "sdrmac/events", cfg.MQTT.Topic)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/sdrmac.yaml")
	assert.Error(t, err)
}
