package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models mealline.yml.
type Config struct {
	Facility struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"facility"`
	Retention struct {
		OrdersDays    int `yaml:"orders_days"`
		SnapshotsDays int `yaml:"snapshots_days"`
		EventsDays    int `yaml:"events_days"`
	} `yaml:"retention"`
	Archive struct {
		Hour    int  `yaml:"hour"`
		Enabled bool `yaml:"enabled"`
	} `yaml:"archive"`
	Cache struct {
		TTLSeconds int `yaml:"ttl_seconds"`
		Size       int `yaml:"size"`
	} `yaml:"cache"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	if c.Retention.OrdersDays < 0 || c.Retention.SnapshotsDays < 0 || c.Retention.EventsDays < 0 {
		return fmt.Errorf("config.retention days must not be negative")
	}
	if c.Archive.Hour < 0 || c.Archive.Hour > 23 {
		return fmt.Errorf("config.archive.hour must be between 0 and 23")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config.cache.ttl_seconds must not be negative")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("config.cache.size must not be negative")
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
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// OrdersRetentionDays returns the configured order retention, defaulted.
func (c *Config) OrdersRetentionDays() int {
	if c.Retention.OrdersDays == 0 {
		return 90
	}
	return c.Retention.OrdersDays
}

// SnapshotsRetentionDays returns the configured snapshot retention, defaulted.
func (c *Config) SnapshotsRetentionDays() int {
	if c.Retention.SnapshotsDays == 0 {
		return 365
	}
	return c.Retention.SnapshotsDays
}

// EventsRetentionDays returns the configured event retention, defaulted.
func (c *Config) EventsRetentionDays() int {
	if c.Retention.EventsDays == 0 {
		return 180
	}
	return c.Retention.EventsDays
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mealline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
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

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	cfg.Facility.ID = facilityID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, facilityID))).Decode(&cfg)
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

const defaultTemplate = `facility:
  id: %s
  name: ""
  timezone: UTC

retention:
  orders_days: 90
  snapshots_days: 365
  events_days: 180

archive:
  hour: 3
  enabled: true

cache:
  ttl_seconds: 30
  size: 1024

rbac:
  roles:
    admin:
      description: "Facility administrator"
      permissions:
        - order.create
        - order.read
        - order.update
        - order.update.terminal
        - order.status.update
        - order.resolve
        - order.history.read
        - archive.read
        - archive.sweep
        - events.read
        - keys.manage
    caregiver:
      description: "Care staff placing and adjusting resident orders"
      permissions:
        - order.create
        - order.read
        - order.update
        - order.resolve
        - order.history.read
    kitchen:
      description: "Kitchen staff working orders through preparation"
      permissions:
        - order.read
        - order.status.update
        - order.update.terminal
    auditor:
      description: "Read-only access to orders, history and archives"
      permissions:
        - order.read
        - order.history.read
        - archive.read
        - events.read
`
