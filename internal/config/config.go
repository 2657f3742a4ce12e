package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models wipeline.yml.
type Config struct {
	Server struct {
		Address       string `yaml:"address"`
		BasePath      string `yaml:"base_path"`
		JWTSecret     string `yaml:"jwt_secret"`
		AllowDevLogin bool   `yaml:"allow_dev_login"`
	} `yaml:"server"`
	Policies []Policy `yaml:"policies"`
	Driver   struct {
		TickIntervalMS int     `yaml:"tick_interval_ms"`
		MinIncrement   float64 `yaml:"min_increment"`
		MaxIncrement   float64 `yaml:"max_increment"`
		// TypeSpeed scales the increment per device type; missing types
		// run at 1.0.
		TypeSpeed map[string]float64 `yaml:"type_speed"`
	} `yaml:"driver"`
	Verification struct {
		Probe       string  `yaml:"probe"` // static | seeded
		Pass        *bool   `yaml:"pass,omitempty"`
		Seed        int64   `yaml:"seed"`
		FailureRate float64 `yaml:"failure_rate"`
	} `yaml:"verification"`
	RBAC struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
	Notifications struct {
		Mode string `yaml:"mode"` // log | webhook
		URL  string `yaml:"url"`
	} `yaml:"notifications"`
}

// Policy is one catalog entry. Passes nil means drive-native secure erase.
type Policy struct {
	Name        string `yaml:"name"`
	Passes      *int   `yaml:"passes,omitempty"`
	Description string `yaml:"description"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// TickInterval returns the driver cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	if c.Driver.TickIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Driver.TickIntervalMS) * time.Millisecond
}

// PolicyByName returns the catalog entry, or false when unknown.
func (c *Config) PolicyByName(name string) (Policy, bool) {
	for _, p := range c.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

// Load reads and validates config from the data directory.
func Load(dataDir string) (*Config, error) {
	path := Path(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run wipectl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when no file exists.
func LoadOptional(dataDir string) (*Config, error) {
	data, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Policies) == 0 {
		return fmt.Errorf("config.policies is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Policies {
		if p.Name == "" {
			return fmt.Errorf("config.policies contains entry with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate policy %s", p.Name)
		}
		seen[p.Name] = true
		if p.Passes != nil && *p.Passes <= 0 {
			return fmt.Errorf("policy %s has non-positive passes", p.Name)
		}
	}
	if c.Driver.TickIntervalMS < 0 {
		return fmt.Errorf("config.driver.tick_interval_ms must be positive")
	}
	if c.Driver.MinIncrement < 0 || c.Driver.MaxIncrement < c.Driver.MinIncrement {
		return fmt.Errorf("config.driver increments invalid: min=%.2f max=%.2f", c.Driver.MinIncrement, c.Driver.MaxIncrement)
	}
	switch c.Verification.Probe {
	case "", "static", "seeded":
	default:
		return fmt.Errorf("config.verification.probe must be static or seeded")
	}
	if c.Verification.FailureRate < 0 || c.Verification.FailureRate > 1 {
		return fmt.Errorf("config.verification.failure_rate must be in [0,1]")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for _, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks contains entry with empty url")
		}
	}
	switch c.Notifications.Mode {
	case "", "log", "webhook":
	default:
		return fmt.Errorf("config.notifications.mode must be log or webhook")
	}
	if c.Notifications.Mode == "webhook" && c.Notifications.URL == "" {
		return fmt.Errorf("config.notifications.url required for webhook mode")
	}
	return nil
}

// Path returns the config file path for a data directory.
func Path(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, "wipeline.yml")
}

// GenerateDefault returns the default config YAML.
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
  address: 0.0.0.0:8484
  base_path: /v1
  jwt_secret: ""
  allow_dev_login: false

policies:
  - name: "Quick Wipe (1-pass)"
    passes: 1
    description: "Single overwrite pass with zeros"
  - name: "Standard (3-pass)"
    passes: 3
    description: "Three overwrite passes: zeros, ones, random"
  - name: "DoD 5220.22-M (7-pass)"
    passes: 7
    description: "Seven-pass pattern overwrite"
  - name: "Secure Erase"
    description: "Drive-native ATA Secure Erase command"
  - name: "Sanitize"
    description: "Drive-native NVMe Sanitize command"

driver:
  tick_interval_ms: 2000
  min_increment: 2.0
  max_increment: 10.0
  type_speed:
    "NVMe SSD": 2.0
    "SATA SSD": 1.5
    "HDD": 1.0
    "USB": 0.5

verification:
  probe: static
  pass: true
  seed: 0
  failure_rate: 0.1

rbac:
  roles:
    admin:
      description: "Full control including device registry and API keys"
      permissions:
        - device.write
        - device.read
        - job.create
        - job.start
        - job.cancel
        - job.retry
        - job.read
        - certificate.read
        - event.read
        - key.manage
    operator:
      description: "Runs wipe jobs"
      permissions:
        - device.read
        - job.create
        - job.start
        - job.cancel
        - job.retry
        - job.read
        - certificate.read
        - event.read
    auditor:
      description: "Read-only access to jobs, certificates and audit events"
      permissions:
        - device.read
        - job.read
        - certificate.read
        - event.read

notifications:
  mode: log
`
