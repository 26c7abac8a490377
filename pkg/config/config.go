// Package config loads almsync configuration from a YAML file layered over
// defaults, followed by environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duplicate policies for re-materializing a (test, tag) pair that already has an issue
const (
	DuplicateSkipOpen = "skip-open"
	DuplicateAppend   = "append"
)

// Config is the complete almsync configuration
type Config struct {
	Warehouse    WarehouseConfig    `yaml:"warehouse"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	Transport    TransportConfig    `yaml:"transport"`
	Generation   GenerationConfig   `yaml:"generation"`
	Materializer MaterializerConfig `yaml:"materializer"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	API          APIConfig          `yaml:"api"`
	Log          LogConfig          `yaml:"log"`
}

// WarehouseConfig selects the warehouse backend
type WarehouseConfig struct {
	Driver  string `yaml:"driver"` // bolt, sqlite, postgres
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

// TrackerConfig configures the remote ALM tracker client
type TrackerConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Username           string        `yaml:"username"`
	APIToken           string        `yaml:"api_token"`
	ProjectKey         string        `yaml:"project_key"`
	Timeout            time.Duration `yaml:"timeout"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	Burst              int           `yaml:"burst"`
	SearchBeforeCreate bool          `yaml:"search_before_create"`
	LinkType           string        `yaml:"link_type"`
}

// TransportConfig configures the message channel
type TransportConfig struct {
	Driver      string `yaml:"driver"` // memory, redis
	RedisAddr   string `yaml:"redis_addr"`
	Stream      string `yaml:"stream"`
	Group       string `yaml:"group"`
	Consumer    string `yaml:"consumer"`
	MaxAttempts int    `yaml:"max_attempts"`
	Buffer      int    `yaml:"buffer"`

	// RetryBackoff is the first redelivery delay; it doubles per attempt
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// GenerationConfig configures the test case / compliance collaborator
type GenerationConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MaterializerConfig configures compliance-to-defect materialization
type MaterializerConfig struct {
	Threshold       float64       `yaml:"threshold"`
	DuplicatePolicy string        `yaml:"duplicate_policy"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// DispatcherConfig configures inbound event handling
type DispatcherConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	Workers        int           `yaml:"workers"`
}

// ReconcilerConfig configures the unsynced-row sweep
type ReconcilerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// APIConfig configures the webhook and health listener
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Warehouse: WarehouseConfig{
			Driver:  "bolt",
			DataDir: "./data",
		},
		Tracker: TrackerConfig{
			Timeout:            15 * time.Second,
			RequestsPerSecond:  5,
			Burst:              5,
			SearchBeforeCreate: true,
			LinkType:           "Relates",
		},
		Transport: TransportConfig{
			Driver:       "memory",
			Stream:       "almsync:entities",
			Group:        "almsync",
			Consumer:     hostname(),
			MaxAttempts:  8,
			Buffer:       256,
			RetryBackoff: 2 * time.Second,
		},
		Generation: GenerationConfig{
			Timeout: 60 * time.Second,
		},
		Materializer: MaterializerConfig{
			Threshold:       0.70,
			DuplicatePolicy: DuplicateSkipOpen,
			CallTimeout:     60 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			HandlerTimeout: 45 * time.Second,
			Workers:        4,
		},
		Reconciler: ReconcilerConfig{
			Interval:  5 * time.Minute,
			BatchSize: 100,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("JIRA_BASE_URL", &c.Tracker.BaseURL)
	str("JIRA_USERNAME", &c.Tracker.Username)
	str("JIRA_API_TOKEN", &c.Tracker.APIToken)
	str("JIRA_PROJECT_KEY", &c.Tracker.ProjectKey)
	str("ALMSYNC_DATA_DIR", &c.Warehouse.DataDir)
	str("ALMSYNC_WAREHOUSE_DRIVER", &c.Warehouse.Driver)
	str("ALMSYNC_WAREHOUSE_DSN", &c.Warehouse.DSN)
	str("ALMSYNC_TRANSPORT", &c.Transport.Driver)
	str("REDIS_ADDR", &c.Transport.RedisAddr)
	str("COMPLIANCE_API_URL", &c.Generation.BaseURL)

	if v, ok := lookup("COMPLIANCE_THRESHOLD"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid COMPLIANCE_THRESHOLD %q: %w", v, err)
		}
		c.Materializer.Threshold = f
	}
	return nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if c.Materializer.Threshold < 0 || c.Materializer.Threshold > 1 {
		return fmt.Errorf("materializer.threshold must be within [0,1], got %v", c.Materializer.Threshold)
	}

	switch c.Materializer.DuplicatePolicy {
	case DuplicateSkipOpen, DuplicateAppend:
	default:
		return fmt.Errorf("unknown materializer.duplicate_policy %q", c.Materializer.DuplicatePolicy)
	}

	switch c.Warehouse.Driver {
	case "bolt":
		if c.Warehouse.DataDir == "" {
			return fmt.Errorf("warehouse.data_dir is required for the bolt driver")
		}
	case "sqlite", "postgres":
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse.dsn is required for the %s driver", c.Warehouse.Driver)
		}
	default:
		return fmt.Errorf("unknown warehouse.driver %q", c.Warehouse.Driver)
	}

	switch c.Transport.Driver {
	case "memory":
	case "redis":
		if c.Transport.RedisAddr == "" {
			return fmt.Errorf("transport.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown transport.driver %q", c.Transport.Driver)
	}

	if c.Transport.MaxAttempts < 1 {
		return fmt.Errorf("transport.max_attempts must be at least 1")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be at least 1")
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "almsync"
	}
	return h
}
