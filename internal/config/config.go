// Package config provides taskvault configuration management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/util"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TASKVAULT"
	// DefaultDirName is the data directory name under the user's home.
	DefaultDirName = ".taskvault"
	// ConfigFileName is the settings file name inside the data directory.
	ConfigFileName = "taskvault.yaml"
)

// Config holds all taskvault settings.
type Config struct {
	DataDir   string          `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	FileStore FileStoreConfig `yaml:"filestore" mapstructure:"filestore"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Boundary  BoundaryConfig  `yaml:"boundary" mapstructure:"boundary"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Allocator AllocatorConfig `yaml:"allocator" mapstructure:"allocator"`
}

// LoggingConfig selects the process log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json text"`
}

// FileStoreConfig controls document I/O retries and permissions.
type FileStoreConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	FileMode    uint32        `yaml:"file_mode" mapstructure:"file_mode" validate:"gt=0,lte=511"`
	DirMode     uint32        `yaml:"dir_mode" mapstructure:"dir_mode" validate:"gt=0,lte=511"`
}

// CacheConfig bounds the document cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"gte=0"`
}

// BoundaryConfig holds the defaults for error boundaries.
type BoundaryConfig struct {
	MaxRetries              int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=1,lte=20"`
	RetryDelay              time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gte=0"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold" validate:"gte=1"`
	CoolDown                time.Duration `yaml:"cool_down" mapstructure:"cool_down" validate:"gt=0"`
}

// QueueConfig tunes the background task queue.
type QueueConfig struct {
	Capacity          int           `yaml:"capacity" mapstructure:"capacity" validate:"gte=1"`
	TickInterval      time.Duration `yaml:"tick_interval" mapstructure:"tick_interval" validate:"gt=0"`
	DefaultTimeout    time.Duration `yaml:"default_timeout" mapstructure:"default_timeout" validate:"gt=0"`
	DefaultMaxRetries int           `yaml:"default_max_retries" mapstructure:"default_max_retries" validate:"gte=0,lte=100"`
	MaxInFlight       int           `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"gte=1"`
	OverflowPolicy    string        `yaml:"overflow_policy" mapstructure:"overflow_policy" validate:"oneof=accept reject"`
}

// PoolConfig sizes one resource pool.
type PoolConfig struct {
	Available int     `yaml:"available" mapstructure:"available" validate:"gte=1"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" validate:"gt=0,lte=1"`
}

// AllocatorConfig tunes the adaptive resource allocator.
type AllocatorConfig struct {
	Pools                 map[string]PoolConfig `yaml:"pools" mapstructure:"pools" validate:"required,min=1,dive"`
	RecomputeInterval     time.Duration         `yaml:"recompute_interval" mapstructure:"recompute_interval" validate:"gt=0"`
	ResponseTimeThreshold time.Duration         `yaml:"response_time_threshold" mapstructure:"response_time_threshold" validate:"gt=0"`
	EfficiencyThreshold   float64               `yaml:"efficiency_threshold" mapstructure:"efficiency_threshold" validate:"gte=0,lte=100"`
	ErrorRateThreshold    float64               `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold" validate:"gt=0,lte=1"`
	Degrade               float64               `yaml:"degrade" mapstructure:"degrade" validate:"gt=0,lt=1"`
}

// DefaultDataDir returns ~/.taskvault, or ./.taskvault when there is no home.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, DefaultDirName)
	}
	return DefaultDirName
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		FileStore: FileStoreConfig{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			FileMode:    0o644,
			DirMode:     0o755,
		},
		Cache: CacheConfig{
			MaxEntries: 1024,
		},
		Boundary: BoundaryConfig{
			MaxRetries:              3,
			RetryDelay:              100 * time.Millisecond,
			CircuitBreakerThreshold: 5,
			CoolDown:                60 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:          100,
			TickInterval:      100 * time.Millisecond,
			DefaultTimeout:    30 * time.Second,
			DefaultMaxRetries: 3,
			MaxInFlight:       4,
			OverflowPolicy:    "accept",
		},
		Allocator: AllocatorConfig{
			Pools: map[string]PoolConfig{
				"cpu":        {Available: 8, Threshold: 0.8},
				"memory":     {Available: 16, Threshold: 0.8},
				"background": {Available: 4, Threshold: 0.75},
			},
			RecomputeInterval:     30 * time.Second,
			ResponseTimeThreshold: 5 * time.Second,
			EfficiencyThreshold:   40,
			ErrorRateThreshold:    0.5,
			Degrade:               0.6,
		},
	}
}

// Load reads configuration from defaults, then the YAML file at path (if
// path is non-empty and exists), then TASKVAULT_* environment variables,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for env, key := range EnvVarMapping {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, verrors.ErrConfigInvalid(path, err.Error()).WithCause(err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, verrors.ErrConfigInvalid("decode", err.Error()).WithCause(err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint. The first violation is returned
// as a CONFIG_INVALID error naming the field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fmt.Sprintf("failed %q", fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %q (%s), got %v", fe.Tag(), fe.Param(), fe.Value())
		}
		return verrors.ErrConfigInvalid(fe.Namespace(), reason).WithCause(err)
	}
	return verrors.ErrConfigInvalid("config", err.Error()).WithCause(err)
}

// Save writes the configuration as YAML to path atomically.
func (c *Config) Save(path string) error {
	return c.SaveFs(afero.NewOsFs(), path)
}

// SaveFs writes the configuration as YAML to path on fsys.
func (c *Config) SaveFs(fsys afero.Fs, path string) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := util.AtomicWriteFile(fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
