// Package config loads bleproxyd's daemon configuration: built-in
// defaults applied via struct tags (github.com/mcuadros/go-defaults), then
// overlaid with an optional YAML file and finally with CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleproxyd/internal/cache"
	"github.com/srg/bleproxyd/internal/proxy"
	"github.com/srg/bleproxyd/internal/server"
	"github.com/srg/bleproxyd/internal/session"
)

// Config is the full set of daemon tunables, defaulted per spec §6.2's
// constants and overridable by a YAML config file or CLI flags.
type Config struct {
	Host string `yaml:"host" default:"0.0.0.0"`
	Port int    `yaml:"port" default:"6053"`

	Name         string `yaml:"name" default:"bleproxyd"`
	FriendlyName string `yaml:"friendly_name" default:""`
	Password     string `yaml:"password" default:""`

	MaxConnections int  `yaml:"max_connections" default:"3"`
	BatchMax       int  `yaml:"advertisement_batch_size" default:"16"`
	ActiveScan     bool `yaml:"active_connections" default:"true"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"20s"`
	DisconnTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	GattOpTimeout  time.Duration `yaml:"gatt_op_timeout" default:"30s"`
	PingTimeout    time.Duration `yaml:"ping_timeout" default:"90s"`
	FlushInterval  time.Duration `yaml:"flush_interval" default:"50ms"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" default:"5s"`

	OutboxCapacity int `yaml:"outbox_capacity" default:"65536"`

	CacheDir string `yaml:"cache_dir" default:""`

	LogLevel string `yaml:"log_level" default:"info"`
	LogFile  string `yaml:"log_file" default:""`
}

// Default returns a Config with every field set from its `default` tag,
// the same way NewTextAsserterWithInterface seeds TextAssertOptions.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// LoadYAML overlays path's contents onto cfg. Fields absent from the file
// keep whatever cfg already held (normally the built-in defaults).
func (c *Config) LoadYAML(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// NewLogger builds a logrus.Logger from LogLevel/LogFile using a
// TextFormatter with full RFC3339 timestamps.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: invalid log level %q: %w", c.LogLevel, err)
	}
	logger.SetLevel(level)

	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("config: open log file %s: %w", c.LogFile, err)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}

// CoordinatorConfig projects the relevant subset of c onto proxy.Config.
// gattCache may be nil (or cache.Disabled()) when --cache-dir was not set.
func (c *Config) CoordinatorConfig(gattCache *cache.Cache) proxy.Config {
	return proxy.Config{
		MaxConnections: c.MaxConnections,
		BatchMax:       c.BatchMax,
		FlushInterval:  c.FlushInterval,
		ConnectTimeout: c.ConnectTimeout,
		DisconnTimeout: c.DisconnTimeout,
		GattOpTimeout:  c.GattOpTimeout,
		Cache:          gattCache,
	}
}

// SessionConfig projects the relevant subset of c onto session.Config.
// serverInfo and btMAC are supplied by the caller since they are derived
// at startup (build version, adapter address), not configuration knobs.
func (c *Config) SessionConfig(serverInfo, btMAC string, flags uint32) session.Config {
	name := c.FriendlyName
	if name == "" {
		name = c.Name
	}
	return session.Config{
		ServerInfo:   serverInfo,
		Name:         name,
		Password:     c.Password,
		BluetoothMAC: btMAC,
		FeatureFlags: flags,
		PingTimeout:  c.PingTimeout,
		APIVerMajor:  1,
		APIVerMinor:  10,
	}
}

// ServerConfig projects the relevant subset of c onto server.Config.
func (c *Config) ServerConfig(sessCfg session.Config) server.Config {
	return server.Config{
		Host:           c.Host,
		Port:           c.Port,
		SessionConfig:  sessCfg,
		ShutdownGrace:  c.ShutdownGrace,
		OutboxCapacity: c.OutboxCapacity,
	}
}
