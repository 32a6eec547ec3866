package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models chargeline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Remote struct {
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"remote"`
	Processing struct {
		// InsuranceSelection breaks ties between multiple active
		// primary policies: remote-order or earliest-start.
		InsuranceSelection string `yaml:"insurance_selection"`
	} `yaml:"processing"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig declares one outbound notification target for task
// lifecycle events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with chargeline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("config.remote.endpoint is required")
	}
	if c.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("config.remote.timeout_seconds must not be negative")
	}
	switch c.Processing.InsuranceSelection {
	case "", "remote-order", "earliest-start":
	default:
		return fmt.Errorf("config.processing.insurance_selection must be remote-order or earliest-start")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// RemoteTimeout returns the remote call timeout, zero meaning default.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chargeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(endpoint string) string {
	return fmt.Sprintf(defaultTemplate, endpoint)
}

// Default returns the default Config struct.
func Default(endpoint string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(endpoint)))
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /api/v1

remote:
  endpoint: %s
  timeout_seconds: 60

processing:
  insurance_selection: remote-order
`
