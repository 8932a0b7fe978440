package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nicktill/vitals/pkg/window"
)

// Config is the runtime configuration. Values come from defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	Port         string `yaml:"port" validate:"required,numeric"`
	DataDir      string `yaml:"dataDir" validate:"required_unless=InMemory true"`
	InMemory     bool   `yaml:"inMemory"`
	MaxMemoryMB  int64  `yaml:"maxMemoryMB" validate:"gte=0"`
	MaxStorageGB int64  `yaml:"maxStorageGB" validate:"gte=0"`

	// Location is the IANA zone used for hour and day boundaries. Empty means local time.
	Location string `yaml:"location"`
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	RetentionDays int `yaml:"retentionDays" validate:"gte=1"`

	Sensor  SensorConfig  `yaml:"sensor"`
	Poll    PollConfig    `yaml:"poll"`
	Notify  NotifyConfig  `yaml:"notify"`
	Windows []window.Spec `yaml:"windows" validate:"dive"`
}

// SensorConfig locates the wearable
type SensorConfig struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	AuthKey string `yaml:"authKey" validate:"omitempty,len=6,alphanum"`
}

// PollConfig controls the poll loop
type PollConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
}

// NotifyConfig selects where completion notifications go
type NotifyConfig struct {
	Kind     string `yaml:"kind" validate:"oneof=none log http mqtt"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Kind http,omitempty,url"`
	Token    string `yaml:"token"`
	Broker   string `yaml:"broker" validate:"required_if=Kind mqtt"`
	Topic    string `yaml:"topic"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Port:          DefaultPort,
		DataDir:       DefaultDataDir,
		MaxMemoryMB:   DefaultMaxMemoryMB,
		MaxStorageGB:  DefaultMaxStorageGB,
		LogLevel:      DefaultLogLevel,
		RetentionDays: DefaultRetentionDays,
		Poll: PollConfig{
			Interval:     DefaultPollInterval,
			FetchTimeout: DefaultFetchTimeout,
		},
		Notify: NotifyConfig{
			Kind:  NotifyLog,
			Topic: DefaultNotifyTopic,
		},
		Windows: window.DefaultSpecs(),
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Loc(); err != nil {
		return err
	}
	return nil
}

// Loc resolves Location
func (c Config) Loc() (*time.Location, error) {
	if c.Location == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid config: location %q: %w", c.Location, err)
	}
	return loc, nil
}

// applyEnv overrides values from VITALS_* variables. PORT is honored for
// compatibility with process managers that set it.
func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("PORT", &cfg.Port)
	str("VITALS_PORT", &cfg.Port)
	str("VITALS_DATA_DIR", &cfg.DataDir)
	str("VITALS_LOCATION", &cfg.Location)
	str("VITALS_LOG_LEVEL", &cfg.LogLevel)
	str("VITALS_SENSOR_URL", &cfg.Sensor.URL)
	str("VITALS_SENSOR_KEY", &cfg.Sensor.AuthKey)
	str("VITALS_NOTIFY_KIND", &cfg.Notify.Kind)
	str("VITALS_NOTIFY_ENDPOINT", &cfg.Notify.Endpoint)
	str("VITALS_NOTIFY_TOKEN", &cfg.Notify.Token)
	str("VITALS_NOTIFY_BROKER", &cfg.Notify.Broker)
	str("VITALS_NOTIFY_TOPIC", &cfg.Notify.Topic)

	if v := os.Getenv("VITALS_IN_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid VITALS_IN_MEMORY: %w", err)
		}
		cfg.InMemory = b
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"VITALS_MAX_MEMORY_MB", &cfg.MaxMemoryMB},
		{"VITALS_MAX_STORAGE_GB", &cfg.MaxStorageGB},
	}
	for _, it := range ints {
		if v := os.Getenv(it.key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = n
		}
	}

	if v := os.Getenv("VITALS_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid VITALS_RETENTION_DAYS: %w", err)
		}
		cfg.RetentionDays = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"VITALS_POLL_INTERVAL", &cfg.Poll.Interval},
		{"VITALS_FETCH_TIMEOUT", &cfg.Poll.FetchTimeout},
	}
	for _, it := range durations {
		if v := os.Getenv(it.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", it.key, err)
			}
			*it.dst = d
		}
	}

	return nil
}
