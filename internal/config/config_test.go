package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 6053, cfg.Port)
	assert.Equal(t, "bleproxyd", cfg.Name)
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, 16, cfg.BatchMax)
	assert.True(t, cfg.ActiveScan)
	assert.Equal(t, 20*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.DisconnTimeout)
	assert.Equal(t, 30*time.Second, cfg.GattOpTimeout)
	assert.Equal(t, 90*time.Second, cfg.PingTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	cfg := Default()

	dir := t.TempDir()
	path := filepath.Join(dir, "bleproxyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7053\nmax_connections: 5\n"), 0644))

	require.NoError(t, cfg.LoadYAML(path))

	assert.Equal(t, 7053, cfg.Port)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, "bleproxyd", cfg.Name, "fields absent from the overlay keep their default")
}

func TestLoadYAMLMissingPathIsNoop(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.LoadYAML(""))
	assert.Equal(t, 6053, cfg.Port)
}

func TestLoadYAMLRejectsUnreadableFile(t *testing.T) {
	cfg := Default()
	err := cfg.LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLoggerAppliesLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	_, err := cfg.NewLogger()
	assert.Error(t, err)
}

func TestSessionConfigPrefersFriendlyName(t *testing.T) {
	cfg := Default()
	cfg.FriendlyName = "Living Room Proxy"
	sc := cfg.SessionConfig("bleproxyd 1.0", "AA:BB:CC:DD:EE:FF", 0x7F)
	assert.Equal(t, "Living Room Proxy", sc.Name)

	cfg.FriendlyName = ""
	sc = cfg.SessionConfig("bleproxyd 1.0", "AA:BB:CC:DD:EE:FF", 0x7F)
	assert.Equal(t, cfg.Name, sc.Name)
}
