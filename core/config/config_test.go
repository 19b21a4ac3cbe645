package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, c.ChangeWindow)
	assert.Equal(t, time.Minute, c.AskTimeout)
	assert.Equal(t, 16, c.MaxSerialNoLength)
	assert.Equal(t, 16, c.MaxDeviceIDLength)
	assert.Equal(t, 12, c.MaxScopeIDLength)
	assert.Equal(t, 20, c.MaxConnectRetry)
	assert.Equal(t, 300*time.Second, c.NetworkTimeout)
	assert.Equal(t, 1024, c.ReportBufferSize)
	assert.Equal(t, 115200, c.ConsoleBaudRate)
	assert.Equal(t, 115200, c.ModemBaudRate)
	assert.Empty(t, c.MetricsAddress)
}

func TestOverrides(t *testing.T) {
	t.Setenv("CHANGE_WINDOW", "3s")
	t.Setenv("CONNECT_ATTEMPTS", "0")
	t.Setenv("SETTINGS_DIR", "/tmp/settings")
	t.Setenv("METRICS_ADDRESS", ":9100")
	t.Setenv("MODEM_BAUD_RATE", "9600")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.ChangeWindow)
	assert.Equal(t, 0, c.ConnectAttempts)
	assert.Equal(t, "/tmp/settings", c.SettingsDir)
	assert.Equal(t, ":9100", c.MetricsAddress)
	assert.Equal(t, 9600, c.ModemBaudRate)
}

func TestInvalidValue(t *testing.T) {
	t.Setenv("MAX_CONNECT_RETRY", "many")
	_, err := FromEnv()
	assert.Error(t, err)
}
