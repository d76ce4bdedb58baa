package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile_YAMLFlattensToDottedKeys(t *testing.T) {
	path := writeConfigFile(t, "mycelia.yaml", `
risk:
  max_drawdown_pct: 4.0
exec:
  slippage_tolerance_bps: 10
mycelium.reinforcement_gain: 0.25
`)
	values, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4.0, values["risk.max_drawdown_pct"])
	assert.Equal(t, 10, values["exec.slippage_tolerance_bps"])
	assert.Equal(t, 0.25, values["mycelium.reinforcement_gain"])
}

func TestLoadConfigFile_JSONStillAccepted(t *testing.T) {
	path := writeConfigFile(t, "mycelia.json", `{"risk":{"daily_loss_limit":500},"exec.order_timeout_ms":2500}`)
	values, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, float64(500), values["risk.daily_loss_limit"])
	assert.Equal(t, float64(2500), values["exec.order_timeout_ms"])
}

func TestLoadConfigFile_MalformedYAMLErrors(t *testing.T) {
	path := writeConfigFile(t, "broken.yml", "risk: [unclosed")
	_, err := loadConfigFile(path)
	require.Error(t, err)
}

func TestLoadConfigFile_EmptyPathIsNoLayer(t *testing.T) {
	values, err := loadConfigFile("")
	require.NoError(t, err)
	assert.Nil(t, values)
}
