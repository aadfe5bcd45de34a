package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig represents the TCP front end settings. UDPListenAddr is
// where clients register the return address for trade notifications.
type ServerConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	UDPListenAddr string        `yaml:"udp_listen_addr"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// DataConfig represents where durable state lives. All paths are resolved
// relative to Dir unless absolute.
type DataConfig struct {
	Dir          string `yaml:"dir"`
	SnapshotFile string `yaml:"snapshot_file"`
	UsersFile    string `yaml:"users_file"`
	OrderIDFile  string `yaml:"order_id_file"`
	HistoryDir   string `yaml:"history_dir"`
}

// LogConfig represents logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from a YAML file with env overrides. A missing
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":7070",
			UDPListenAddr: ":7071",
			IdleTimeout:   10 * time.Minute,
		},
		Data: DataConfig{
			Dir:          "data",
			SnapshotFile: "orderbook.json",
			UsersFile:    "users.json",
			OrderIDFile:  "order_id_counter",
			HistoryDir:   "history",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) loadEnvOverrides() {
	if v := os.Getenv("MATCHBOOK_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MATCHBOOK_UDP_LISTEN_ADDR"); v != "" {
		c.Server.UDPListenAddr = v
	}
	if v := os.Getenv("MATCHBOOK_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("MATCHBOOK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MATCHBOOK_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.IdleTimeout = d
		}
	}
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.UDPListenAddr == "" {
		return fmt.Errorf("server.udp_listen_addr is required")
	}
	if c.Server.IdleTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout must be positive")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	return nil
}

// SnapshotPath returns the snapshot file location under the data dir.
func (c *Config) SnapshotPath() string { return c.resolve(c.Data.SnapshotFile) }

// UsersPath returns the user table location under the data dir.
func (c *Config) UsersPath() string { return c.resolve(c.Data.UsersFile) }

// OrderIDPath returns the order-id counter location under the data dir.
func (c *Config) OrderIDPath() string { return c.resolve(c.Data.OrderIDFile) }

// HistoryPath returns the history store location under the data dir.
func (c *Config) HistoryPath() string { return c.resolve(c.Data.HistoryDir) }

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Data.Dir, p)
}
