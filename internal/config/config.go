package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models resplan.yml. It is resolved once at startup and passed
// into the engine and scheduler as an immutable value.
type Config struct {
	Env string `yaml:"env"`

	Auth struct {
		// DevBypass accepts X-Dev-* headers instead of a JWT. Never
		// enable outside dev.
		DevBypass bool   `yaml:"dev_bypass"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Notifications struct {
		// Mode selects delivery: "stub" completes immediately,
		// "external" leaves rows pending for a real sender.
		Mode string `yaml:"mode"`
		// DeadlineBaseDay is the day of month deadlines start from
		// before rolling over weekends and holidays.
		DeadlineBaseDay int `yaml:"deadline_base_day"`
		// ReminderDays maps phase -> day of month the reminder fires.
		ReminderDays map[string]int `yaml:"reminder_days"`
	} `yaml:"notifications"`
}

const (
	NotifyModeStub     = "stub"
	NotifyModeExternal = "external"
)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.Env == "" {
		return fmt.Errorf("config.env is required")
	}
	switch c.Notifications.Mode {
	case NotifyModeStub, NotifyModeExternal:
	default:
		return fmt.Errorf("config.notifications.mode must be %q or %q", NotifyModeStub, NotifyModeExternal)
	}
	if c.Notifications.DeadlineBaseDay < 1 || c.Notifications.DeadlineBaseDay > 28 {
		return fmt.Errorf("config.notifications.deadline_base_day must be in 1..28")
	}
	for phase, day := range c.Notifications.ReminderDays {
		if phase == "" {
			return fmt.Errorf("config.notifications.reminder_days has empty phase")
		}
		if day < 1 || day > 28 {
			return fmt.Errorf("reminder day for phase %s must be in 1..28", phase)
		}
	}
	if !c.IsDev() && c.Auth.DevBypass {
		return fmt.Errorf("config.auth.dev_bypass requires env: dev")
	}
	return nil
}

// IsDev reports whether the process runs in dev mode.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "resplan.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `env: dev

auth:
  dev_bypass: true
  jwt_secret: ""

notifications:
  mode: stub
  deadline_base_day: 5
  reminder_days:
    PM_RO: 1
    Finance: 10
    Employee: 20
    RO_Director: 25
`
