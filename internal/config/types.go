// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/invowk/wasmshim/pkg/types"
)

const (
	// StoreTypeMemory keeps values in process memory for the task's lifetime.
	StoreTypeMemory StoreType = "memory"
	// StoreTypeRedis keeps values in a Redis server.
	StoreTypeRedis StoreType = "redis"

	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"

	// DefaultStoreLabel is the key/value store every component may declare
	// without configuration; it is backed by memory unless configured.
	DefaultStoreLabel = "default"
)

var (
	// ErrInvalidStoreType is returned when a StoreType value is not recognized.
	ErrInvalidStoreType = errors.New("invalid store type")
	// ErrInvalidLogLevel is returned when a LogLevel value is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// Config is the complete shim configuration.
	Config struct {
		HTTP     HTTPConfig             `json:"http" mapstructure:"http"`
		Limits   LimitsConfig           `json:"limits" mapstructure:"limits"`
		Shutdown ShutdownConfig         `json:"shutdown" mapstructure:"shutdown"`
		Pool     PoolConfig             `json:"pool" mapstructure:"pool"`
		Compile  CompileConfig          `json:"compile" mapstructure:"compile"`
		Cache    CacheConfig            `json:"cache" mapstructure:"cache"`
		Retry    RetryConfig            `json:"retry" mapstructure:"retry"`
		Redis    RedisConfig            `json:"redis" mapstructure:"redis"`
		MQTT     MQTTConfig             `json:"mqtt" mapstructure:"mqtt"`
		SQS      SQSConfig              `json:"sqs" mapstructure:"sqs"`
		Stores   map[string]StoreConfig `json:"stores,omitempty" mapstructure:"stores"`
		Log      LogConfig              `json:"log" mapstructure:"log"`
	}

	// HTTPConfig configures the shared HTTP trigger listener.
	HTTPConfig struct {
		ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
	}

	// LimitsConfig holds the default per-invocation limits applied to
	// components that do not declare their own.
	LimitsConfig struct {
		// Memory is a human size such as "128MiB".
		Memory   string        `json:"memory" mapstructure:"memory"`
		MaxSteps uint64        `json:"max_steps" mapstructure:"max_steps"`
		Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
	}

	// ShutdownConfig configures graceful stop.
	ShutdownConfig struct {
		GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`
	}

	// PoolConfig bounds concurrent invocations per task.
	PoolConfig struct {
		MaxConcurrency int `json:"max_concurrency" mapstructure:"max_concurrency"`
	}

	// CompileConfig controls ahead-of-time compilation.
	CompileConfig struct {
		Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
		// Eager compiles every component at task creation.
		Eager bool `json:"eager" mapstructure:"eager"`
	}

	// CacheConfig configures the process-wide compiled artifact cache.
	CacheConfig struct {
		// Dir enables the on-disk tier when non-empty.
		Dir string `json:"dir" mapstructure:"dir"`
	}

	// RetryConfig is the default redelivery policy for message triggers.
	RetryConfig struct {
		MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
		Backoff     time.Duration `json:"backoff" mapstructure:"backoff"`
	}

	// RedisConfig is the fallback Redis address for triggers and stores.
	RedisConfig struct {
		Address string `json:"address" mapstructure:"address"`
	}

	// MQTTConfig is the fallback broker for MQTT triggers.
	MQTTConfig struct {
		Address  string `json:"address" mapstructure:"address"`
		ClientID string `json:"client_id" mapstructure:"client_id"`
		Username string `json:"username" mapstructure:"username"`
		Password string `json:"password" mapstructure:"password"`
	}

	// SQSConfig configures the AWS SQS client used by SQS triggers.
	SQSConfig struct {
		Region            string        `json:"region" mapstructure:"region"`
		Endpoint          string        `json:"endpoint" mapstructure:"endpoint"`
		WaitTime          time.Duration `json:"wait_time" mapstructure:"wait_time"`
		VisibilityTimeout time.Duration `json:"visibility_timeout" mapstructure:"visibility_timeout"`
	}

	// StoreConfig maps a key/value store label to a backend.
	StoreConfig struct {
		Type StoreType `json:"type" mapstructure:"type"`
		URL  string    `json:"url,omitempty" mapstructure:"url"`
	}

	// LogConfig configures the shim logger.
	LogConfig struct {
		Level LogLevel `json:"level" mapstructure:"level"`
	}

	// StoreType names a key/value backend.
	StoreType string

	// InvalidStoreTypeError is returned when a StoreType value is not recognized.
	InvalidStoreTypeError struct {
		Value StoreType
	}

	// LogLevel names a logger verbosity.
	LogLevel string

	// InvalidLogLevelError is returned when a LogLevel value is not recognized.
	InvalidLogLevelError struct {
		Value LogLevel
	}

	// InvalidConfigError aggregates every problem found by Config.Validate.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTP:     HTTPConfig{ListenAddr: "0.0.0.0:80"},
		Limits:   LimitsConfig{Memory: "128MiB", Timeout: 30 * time.Second},
		Shutdown: ShutdownConfig{GracePeriod: 10 * time.Second},
		Pool:     PoolConfig{MaxConcurrency: 64},
		Compile:  CompileConfig{Timeout: time.Minute, Eager: true},
		Retry:    RetryConfig{MaxAttempts: 3, Backoff: 500 * time.Millisecond},
		SQS:      SQSConfig{WaitTime: 20 * time.Second, VisibilityTimeout: 30 * time.Second},
		Log:      LogConfig{Level: LogLevelInfo},
	}
}

// MemoryBytes parses the Memory size.
func (l LimitsConfig) MemoryBytes() (uint64, error) {
	n, err := units.RAMInBytes(l.Memory)
	if err != nil {
		return 0, fmt.Errorf("limits.memory: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("limits.memory: %q must be positive", l.Memory)
	}
	return uint64(n), nil
}

// Validate returns an *InvalidConfigError listing every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if err := types.ListenAddr(c.HTTP.ListenAddr).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("http.listen_addr: %w", err))
	}
	if _, err := c.Limits.MemoryBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Limits.Timeout <= 0 {
		errs = append(errs, errors.New("limits.timeout must be positive"))
	}
	if c.Shutdown.GracePeriod < 0 {
		errs = append(errs, errors.New("shutdown.grace_period must not be negative"))
	}
	if c.Pool.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("pool.max_concurrency must be at least 1, got %d", c.Pool.MaxConcurrency))
	}
	if c.Compile.Timeout <= 0 {
		errs = append(errs, errors.New("compile.timeout must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if err := c.Log.Level.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, label := range slices.Sorted(maps.Keys(c.Stores)) {
		store := c.Stores[label]
		if err := store.Type.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("stores.%s: %w", label, err))
			continue
		}
		if store.Type == StoreTypeRedis && store.URL == "" && c.Redis.Address == "" {
			errs = append(errs, fmt.Errorf("stores.%s: redis store needs a url or redis.address", label))
		}
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Store returns the backend configured for label. The default label falls
// back to a memory store when it is not configured.
func (c *Config) Store(label string) (StoreConfig, bool) {
	if sc, ok := c.Stores[label]; ok {
		return sc, true
	}
	if label == DefaultStoreLabel {
		return StoreConfig{Type: StoreTypeMemory}, true
	}
	return StoreConfig{}, false
}

func (t StoreType) String() string { return string(t) }

// Validate returns an error if the StoreType is not a known backend.
func (t StoreType) Validate() error {
	switch t {
	case StoreTypeMemory, StoreTypeRedis:
		return nil
	default:
		return &InvalidStoreTypeError{Value: t}
	}
}

func (e *InvalidStoreTypeError) Error() string {
	return fmt.Sprintf("invalid store type %q (valid: memory, redis)", e.Value)
}

func (e *InvalidStoreTypeError) Unwrap() error { return ErrInvalidStoreType }

func (l LogLevel) String() string { return string(l) }

// Validate returns an error if the LogLevel is not recognized.
func (l LogLevel) Validate() error {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return &InvalidLogLevelError{Value: l}
	}
}

func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q (valid: debug, info, warn, error)", e.Value)
}

func (e *InvalidLogLevelError) Unwrap() error { return ErrInvalidLogLevel }

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, err := range e.FieldErrors {
		msgs = append(msgs, err.Error())
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Unwrap returns ErrInvalidConfig together with the field errors.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}
