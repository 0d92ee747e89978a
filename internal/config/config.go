package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentforge.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	ModelDefaults struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"model_defaults"`
	Capabilities struct {
		ClassifierURL string `yaml:"classifier_url"`
		InventoryURL  string `yaml:"inventory_url"`
		OrderURL      string `yaml:"order_url"`
		CustomerURL   string `yaml:"customer_url"`
	} `yaml:"capabilities"`
	Simulation struct {
		StepDelayMs int `yaml:"step_delay_ms"`
	} `yaml:"simulation"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one journal subscriber.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled defaults to true when the flag is omitted.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with af init", path)
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
	if c.ModelDefaults.Provider == "" || c.ModelDefaults.Model == "" {
		return fmt.Errorf("config.model_defaults.provider and .model are required")
	}
	if c.ModelDefaults.Temperature < 0 || c.ModelDefaults.Temperature > 2 {
		return fmt.Errorf("config.model_defaults.temperature %v out of range", c.ModelDefaults.Temperature)
	}
	if c.ModelDefaults.MaxTokens <= 0 {
		return fmt.Errorf("config.model_defaults.max_tokens must be positive")
	}
	if c.Simulation.StepDelayMs < 0 {
		return fmt.Errorf("config.simulation.step_delay_ms must not be negative")
	}
	for name, raw := range map[string]string{
		"classifier_url": c.Capabilities.ClassifierURL,
		"inventory_url":  c.Capabilities.InventoryURL,
		"order_url":      c.Capabilities.OrderURL,
		"customer_url":   c.Capabilities.CustomerURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.capabilities.%s is not an absolute url: %s", name, raw)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url is not an absolute url: %s", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentforge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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
  base_path: /v1
  jwt_secret: ""

model_defaults:
  provider: openai
  model: gpt-4
  temperature: 0.7
  max_tokens: 2048

capabilities:
  classifier_url: ""
  inventory_url: ""
  order_url: ""
  customer_url: ""

simulation:
  step_delay_ms: 150

webhooks: []
`
