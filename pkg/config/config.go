// Package config loads warden's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as Go duration
// strings ("90s", "10m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is warden's full configuration.
type Config struct {
	// ListenAddr is the API server's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// CallbackURL is the externally reachable base URL sandboxes dial back to.
	CallbackURL string `yaml:"callback_url"`

	// DefaultModel is used when a session does not select one.
	DefaultModel string `yaml:"default_model"`

	Provider  ProviderConfig  `yaml:"provider"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

// ProviderConfig selects and configures the compute backend.
type ProviderConfig struct {
	// Kind is "remote" or "docker".
	Kind string `yaml:"kind"`

	// Endpoint and APIToken configure the remote backend.
	Endpoint string `yaml:"endpoint,omitempty"`
	APIToken string `yaml:"api_token,omitempty"`

	// Image is the agent image used by the docker backend.
	Image string `yaml:"image,omitempty"`
}

// LifecycleConfig tunes the watchdog and the spawn circuit breaker.
type LifecycleConfig struct {
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	BreakerThreshold  int      `yaml:"breaker_threshold"`
	BreakerWindow     Duration `yaml:"breaker_window"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DatabasePath: "warden.db",
		CallbackURL:  "http://localhost:8080",
		Provider: ProviderConfig{
			Kind: "docker",
		},
		Lifecycle: LifecycleConfig{
			HeartbeatTimeout:  Duration(90 * time.Second),
			InactivityTimeout: Duration(10 * time.Minute),
			BreakerThreshold:  3,
			BreakerWindow:     Duration(5 * time.Minute),
		},
	}
}

// Load reads the configuration file at path, layered over defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Provider.Kind {
	case "remote":
		if c.Provider.Endpoint == "" {
			return fmt.Errorf("provider kind remote requires an endpoint")
		}
	case "docker":
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	return nil
}
