package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models greenlight.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	AdminRole  string `yaml:"admin_role"`
	Escalation struct {
		IntervalSeconds   int    `yaml:"interval_seconds"`
		BatchSize         int    `yaml:"batch_size"`
		DefaultSLAMinutes int    `yaml:"default_sla_minutes"`
		FallbackRole      string `yaml:"fallback_role"`
	} `yaml:"escalation"`
	Callbacks []Callback `yaml:"callbacks"`
	Server    struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Callback configures the HTTP endpoint notified when a workflow for a
// module type reaches a terminal status.
type Callback struct {
	ModuleType     string `yaml:"module_type"`
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; initialize with gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("default"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Escalation.IntervalSeconds < 0 {
		return fmt.Errorf("config.escalation.interval_seconds must not be negative")
	}
	if c.Escalation.DefaultSLAMinutes < 0 {
		return fmt.Errorf("config.escalation.default_sla_minutes must not be negative")
	}
	seen := map[string]bool{}
	for i, cb := range c.Callbacks {
		if cb.ModuleType == "" {
			return fmt.Errorf("callbacks[%d].module_type is required", i)
		}
		if cb.URL == "" {
			return fmt.Errorf("callback for %s has no url", cb.ModuleType)
		}
		if seen[cb.ModuleType] {
			return fmt.Errorf("duplicate callback for module type %s", cb.ModuleType)
		}
		seen[cb.ModuleType] = true
	}
	return nil
}

// CallbackFor returns the callback configured for a module type, if any.
func (c *Config) CallbackFor(moduleType string) (Callback, bool) {
	for _, cb := range c.Callbacks {
		if cb.ModuleType == moduleType {
			return cb, true
		}
	}
	return Callback{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "greenlight.yml")
}

// Default returns the default Config for an org.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, orgID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

const defaultTemplate = `org:
  id: %s
  name: ""

admin_role: workflow-admin

escalation:
  interval_seconds: 60
  batch_size: 100
  default_sla_minutes: 1440
  fallback_role: hr-admin

callbacks: []

server:
  addr: :8484
  jwt_secret: ""
`
