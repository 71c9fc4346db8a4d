// Package config loads the radiusd YAML configuration, including the
// optional seed block that populates the in-memory directory on start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Flag values override file values
// at the CLI layer.
type Config struct {
	AuthAddr    string `yaml:"auth_addr"`
	AcctAddr    string `yaml:"acct_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	// DefaultSessionTimeout caps Session-Timeout, in seconds.
	DefaultSessionTimeout int `yaml:"default_session_timeout"`
	// IdleTimeout in seconds; 0 omits the attribute.
	IdleTimeout int `yaml:"idle_timeout"`
	// IPManagement enables server-side pool assignment.
	IPManagement bool `yaml:"ip_management"`

	CoATimeout      Duration `yaml:"coa_timeout"`
	CollectInterval Duration `yaml:"collect_interval"`

	Workers WorkerConfig `yaml:"workers"`
	Seed    Seed         `yaml:"seed"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "2s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// WorkerConfig sizes the background task pool.
type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// Seed declares directory contents loaded at startup.
type Seed struct {
	NAS         []NASSeed        `yaml:"nas"`
	Subscribers []SubscriberSeed `yaml:"subscribers"`
	Pools       []PoolSeed       `yaml:"pools"`
}

// NASSeed is one network access server entry.
type NASSeed struct {
	Name          string `yaml:"name"`
	Address       string `yaml:"address"`
	Secret        string `yaml:"secret"`
	CoAPort       int    `yaml:"coa_port"`
	AllowedRealms string `yaml:"allowed_realms"`
}

// SubscriberSeed is one subscriber account entry.
type SubscriberSeed struct {
	Username  string    `yaml:"username"`
	Password  string    `yaml:"password"`
	Status    string    `yaml:"status"`
	ExpiresAt time.Time `yaml:"expires_at"`
	StaticIP  string    `yaml:"static_ip"`
	MAC       string    `yaml:"mac"`
	BindMAC   bool      `yaml:"bind_mac"`
	Plan      PlanSeed  `yaml:"plan"`
}

// PlanSeed is the plan block of a subscriber entry.
type PlanSeed struct {
	Name          string `yaml:"name"`
	Pool          string `yaml:"pool"`
	UploadSpeed   string `yaml:"upload_speed"`
	DownloadSpeed string `yaml:"download_speed"`

	BurstUpload        string `yaml:"burst_upload"`
	BurstDownload      string `yaml:"burst_download"`
	BurstThresholdUp   int    `yaml:"burst_threshold_up"`
	BurstThresholdDown int    `yaml:"burst_threshold_down"`
	BurstTimeUp        int    `yaml:"burst_time_up"`
	BurstTimeDown      int    `yaml:"burst_time_down"`
}

// PoolSeed is one address pool with its importable ranges, e.g.
// "10.1.0.10-10.1.0.250, 10.1.1.5".
type PoolSeed struct {
	Name   string `yaml:"name"`
	Ranges string `yaml:"ranges"`
	NAS    string `yaml:"nas"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		AuthAddr:              ":1812",
		AcctAddr:              ":1813",
		MetricsAddr:           ":9090",
		LogLevel:              "info",
		DefaultSessionTimeout: 86400,
		IdleTimeout:           0,
		IPManagement:          false,
		CoATimeout:            Duration(2 * time.Second),
		CollectInterval:       Duration(15 * time.Second),
		Workers: WorkerConfig{
			Count:     8,
			QueueSize: 1024,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.AuthAddr == "" || c.AcctAddr == "" {
		return fmt.Errorf("auth_addr and acct_addr must be set")
	}
	if c.DefaultSessionTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	for _, n := range c.Seed.NAS {
		if n.Address == "" || n.Secret == "" {
			return fmt.Errorf("seed nas %q needs address and secret", n.Name)
		}
	}
	for _, s := range c.Seed.Subscribers {
		if s.Username == "" {
			return fmt.Errorf("seed subscriber with empty username")
		}
	}
	return nil
}
