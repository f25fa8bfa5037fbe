package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Schedule expansion fallbacks for policy phases missing a field. A
// policy author's incomplete phase must never block task generation.
const (
	DefaultIntervalMinutes = 30
	DefaultDurationMinutes = 120
)

// Config models carerounds.yml.
type Config struct {
	Facility struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"facility"`
	Source struct {
		Name           string `yaml:"name"`
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		PageSize       int    `yaml:"page_size"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"source"`
	Scheduler struct {
		PeriodMinutes       int `yaml:"period_minutes"`
		CycleTimeoutMinutes int `yaml:"cycle_timeout_minutes"`
		GenerateWorkers     int `yaml:"generate_workers"`
	} `yaml:"scheduler"`
	ScheduleDefaults struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		DurationMinutes int `yaml:"duration_minutes"`
	} `yaml:"schedule_defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url" json:"url"`
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	if c.Source.Name == "" {
		return fmt.Errorf("config.source.name is required")
	}
	if c.Source.PageSize < 0 {
		return fmt.Errorf("config.source.page_size must not be negative")
	}
	if c.Scheduler.PeriodMinutes < 0 || c.Scheduler.CycleTimeoutMinutes < 0 {
		return fmt.Errorf("config.scheduler durations must not be negative")
	}
	if c.ScheduleDefaults.IntervalMinutes < 0 || c.ScheduleDefaults.DurationMinutes < 0 {
		return fmt.Errorf("config.schedule_defaults must not be negative")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// IntervalFallbackMinutes returns the configured interval fallback for
// phases that omit an interval.
func (c *Config) IntervalFallbackMinutes() int {
	if c != nil && c.ScheduleDefaults.IntervalMinutes > 0 {
		return c.ScheduleDefaults.IntervalMinutes
	}
	return DefaultIntervalMinutes
}

// DurationFallbackMinutes returns the configured duration fallback for
// phases that omit a duration.
func (c *Config) DurationFallbackMinutes() int {
	if c != nil && c.ScheduleDefaults.DurationMinutes > 0 {
		return c.ScheduleDefaults.DurationMinutes
	}
	return DefaultDurationMinutes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "carerounds.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cr init --facility <id> first", path)
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

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, facilityID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
}

const defaultTemplate = `facility:
  id: %s
  name: ""

source:
  name: clinical-records
  base_url: ""
  api_key: ""
  page_size: 200
  timeout_seconds: 30

scheduler:
  period_minutes: 5
  cycle_timeout_minutes: 10
  generate_workers: 4

schedule_defaults:
  interval_minutes: 30
  duration_minutes: 120
`
