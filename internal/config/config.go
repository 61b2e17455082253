package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/fand/internal/fan"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig        `yaml:"log"`
	Database        DatabaseConfig   `yaml:"database"`
	Server          ServerConfig     `yaml:"server"`
	Dispatcher      DispatcherConfig `yaml:"dispatcher"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	Groups          []GroupConfig    `yaml:"groups"`
	Script          string           `yaml:"script"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// DatabaseConfig contains database settings. An empty path selects the
// in-memory state store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig contains HTTP API server settings
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DispatcherConfig contains command dispatcher settings
type DispatcherConfig struct {
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	Simulate     bool    `yaml:"simulate"` // Register a simulated driver per member
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// GroupConfig declares one fan group: a name and its fixed member list.
type GroupConfig struct {
	Name     string   `yaml:"name"`
	Entities []string `yaml:"entities"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	// Dispatcher defaults
	if cfg.Dispatcher.RateLimitRPS == 0 {
		cfg.Dispatcher.RateLimitRPS = 10.0 // 10 calls per second
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

const defaultGroupName = "Fan Switch Group"

// validate checks the group declarations: at least one group, unique names,
// non-empty member lists, every member in the fan domain.
func (c *Config) validate() error {
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group must be configured")
	}

	seen := make(map[string]struct{}, len(c.Groups))
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Name == "" {
			g.Name = defaultGroupName
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("duplicate group name %q", g.Name)
		}
		seen[g.Name] = struct{}{}

		if len(g.Entities) == 0 {
			return fmt.Errorf("group %q has no entities", g.Name)
		}
		for _, id := range g.Entities {
			if !strings.HasPrefix(id, fan.Domain+".") {
				return fmt.Errorf("group %q: entity %q is not in the %s domain", g.Name, id, fan.Domain)
			}
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
