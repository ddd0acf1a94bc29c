package config

import (
	"github.com/spf13/viper"
)

// EnvVarMapping defines the mapping between environment variables and config keys.
var EnvVarMapping = map[string]string{
	"TASKVAULT_DATA_DIR":   "data_dir",
	"TASKVAULT_LOG_LEVEL":  "logging.level",
	"TASKVAULT_LOG_FORMAT": "logging.format",
	// FileStore
	"TASKVAULT_IO_MAX_ATTEMPTS": "filestore.max_attempts",
	"TASKVAULT_IO_BASE_DELAY":   "filestore.base_delay",
	"TASKVAULT_IO_MAX_DELAY":    "filestore.max_delay",
	// Cache
	"TASKVAULT_CACHE_MAX_ENTRIES": "cache.max_entries",
	// Boundaries
	"TASKVAULT_BOUNDARY_MAX_RETRIES": "boundary.max_retries",
	"TASKVAULT_BOUNDARY_RETRY_DELAY": "boundary.retry_delay",
	"TASKVAULT_BOUNDARY_THRESHOLD":   "boundary.circuit_breaker_threshold",
	"TASKVAULT_BOUNDARY_COOL_DOWN":   "boundary.cool_down",
	// Queue
	"TASKVAULT_QUEUE_CAPACITY":        "queue.capacity",
	"TASKVAULT_QUEUE_TICK_INTERVAL":   "queue.tick_interval",
	"TASKVAULT_QUEUE_TIMEOUT":         "queue.default_timeout",
	"TASKVAULT_QUEUE_MAX_RETRIES":     "queue.default_max_retries",
	"TASKVAULT_QUEUE_MAX_IN_FLIGHT":   "queue.max_in_flight",
	"TASKVAULT_QUEUE_OVERFLOW_POLICY": "queue.overflow_policy",
	// Allocator
	"TASKVAULT_ALLOCATOR_INTERVAL": "allocator.recompute_interval",
	"TASKVAULT_ALLOCATOR_DEGRADE":  "allocator.degrade",
}

// setDefaults registers every leaf of d so environment overrides resolve.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("filestore.max_attempts", d.FileStore.MaxAttempts)
	v.SetDefault("filestore.base_delay", d.FileStore.BaseDelay)
	v.SetDefault("filestore.max_delay", d.FileStore.MaxDelay)
	v.SetDefault("filestore.file_mode", d.FileStore.FileMode)
	v.SetDefault("filestore.dir_mode", d.FileStore.DirMode)

	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)

	v.SetDefault("boundary.max_retries", d.Boundary.MaxRetries)
	v.SetDefault("boundary.retry_delay", d.Boundary.RetryDelay)
	v.SetDefault("boundary.circuit_breaker_threshold", d.Boundary.CircuitBreakerThreshold)
	v.SetDefault("boundary.cool_down", d.Boundary.CoolDown)

	v.SetDefault("queue.capacity", d.Queue.Capacity)
	v.SetDefault("queue.tick_interval", d.Queue.TickInterval)
	v.SetDefault("queue.default_timeout", d.Queue.DefaultTimeout)
	v.SetDefault("queue.default_max_retries", d.Queue.DefaultMaxRetries)
	v.SetDefault("queue.max_in_flight", d.Queue.MaxInFlight)
	v.SetDefault("queue.overflow_policy", d.Queue.OverflowPolicy)

	pools := make(map[string]any, len(d.Allocator.Pools))
	for name, p := range d.Allocator.Pools {
		pools[name] = map[string]any{"available": p.Available, "threshold": p.Threshold}
	}
	v.SetDefault("allocator.pools", pools)
	v.SetDefault("allocator.recompute_interval", d.Allocator.RecomputeInterval)
	v.SetDefault("allocator.response_time_threshold", d.Allocator.ResponseTimeThreshold)
	v.SetDefault("allocator.efficiency_threshold", d.Allocator.EfficiencyThreshold)
	v.SetDefault("allocator.error_rate_threshold", d.Allocator.ErrorRateThreshold)
	v.SetDefault("allocator.degrade", d.Allocator.Degrade)
}
