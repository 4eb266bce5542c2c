// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/invowk/wasmshim/internal/issue"
	"github.com/invowk/wasmshim/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "wasmshim"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "WASMSHIM"
	// SpinListenAddrEnv is honoured for http.listen_addr alongside the
	// prefixed variable.
	SpinListenAddrEnv = "SPIN_HTTP_LISTEN_ADDR"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the wasmshim directory under the user config dir.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// loadWithOptions resolves the configuration and returns the file it was
// read from ("" when only defaults and environment applied).
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("http.listen_addr", EnvPrefix+"_HTTP_LISTEN_ADDR", SpinListenAddrEnv); err != nil {
		return nil, "", fmt.Errorf("failed to bind environment: %w", err)
	}

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithIssue(issue.ConfigInvalidId).
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Run 'wasmshim config show' to inspect the effective values").
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}

	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.listen_addr", d.HTTP.ListenAddr)
	v.SetDefault("limits.memory", d.Limits.Memory)
	v.SetDefault("limits.max_steps", d.Limits.MaxSteps)
	v.SetDefault("limits.timeout", d.Limits.Timeout)
	v.SetDefault("shutdown.grace_period", d.Shutdown.GracePeriod)
	v.SetDefault("pool.max_concurrency", d.Pool.MaxConcurrency)
	v.SetDefault("compile.timeout", d.Compile.Timeout)
	v.SetDefault("compile.eager", d.Compile.Eager)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("mqtt.address", d.MQTT.Address)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("sqs.region", d.SQS.Region)
	v.SetDefault("sqs.endpoint", d.SQS.Endpoint)
	v.SetDefault("sqs.wait_time", d.SQS.WaitTime)
	v.SetDefault("sqs.visibility_timeout", d.SQS.VisibilityTimeout)
	v.SetDefault("log.level", string(d.Log.Level))
}

// resolveConfigPath returns the explicit file (which must exist) or the
// conventional file when present.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'wasmshim config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			// No user config dir (e.g. HOME unset under a container runtime).
			return "", nil
		}
	}
	candidate := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(candidate) {
		return candidate, nil
	}
	return "", nil
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// The file decodes to map[string]any rather than a struct so Viper keeps
// its defaults and env overrides; Concrete(false) because every field is optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	return err == nil && !info.IsDir()
}

// GenerateCUE renders cfg as a config file that round-trips through Load.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// wasmshim configuration\n\n")

	fmt.Fprintf(&sb, "http: listen_addr: %q\n", cfg.HTTP.ListenAddr)

	sb.WriteString("\nlimits: {\n")
	fmt.Fprintf(&sb, "\tmemory:    %q\n", cfg.Limits.Memory)
	fmt.Fprintf(&sb, "\tmax_steps: %d\n", cfg.Limits.MaxSteps)
	fmt.Fprintf(&sb, "\ttimeout:   %q\n", cfg.Limits.Timeout.String())
	sb.WriteString("}\n")

	fmt.Fprintf(&sb, "\nshutdown: grace_period: %q\n", cfg.Shutdown.GracePeriod.String())
	fmt.Fprintf(&sb, "pool: max_concurrency: %d\n", cfg.Pool.MaxConcurrency)

	sb.WriteString("\ncompile: {\n")
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Compile.Timeout.String())
	fmt.Fprintf(&sb, "\teager:   %v\n", cfg.Compile.Eager)
	sb.WriteString("}\n")

	if cfg.Cache.Dir != "" {
		fmt.Fprintf(&sb, "\ncache: dir: %q\n", cfg.Cache.Dir)
	}

	sb.WriteString("\nretry: {\n")
	fmt.Fprintf(&sb, "\tmax_attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Fprintf(&sb, "\tbackoff:      %q\n", cfg.Retry.Backoff.String())
	sb.WriteString("}\n")

	if cfg.Redis.Address != "" {
		fmt.Fprintf(&sb, "\nredis: address: %q\n", cfg.Redis.Address)
	}
	if cfg.MQTT.Address != "" {
		sb.WriteString("\nmqtt: {\n")
		fmt.Fprintf(&sb, "\taddress: %q\n", cfg.MQTT.Address)
		if cfg.MQTT.ClientID != "" {
			fmt.Fprintf(&sb, "\tclient_id: %q\n", cfg.MQTT.ClientID)
		}
		sb.WriteString("}\n")
	}

	sb.WriteString("\nsqs: {\n")
	if cfg.SQS.Region != "" {
		fmt.Fprintf(&sb, "\tregion: %q\n", cfg.SQS.Region)
	}
	if cfg.SQS.Endpoint != "" {
		fmt.Fprintf(&sb, "\tendpoint: %q\n", cfg.SQS.Endpoint)
	}
	fmt.Fprintf(&sb, "\twait_time: %q\n", cfg.SQS.WaitTime.String())
	fmt.Fprintf(&sb, "\tvisibility_timeout: %q\n", cfg.SQS.VisibilityTimeout.String())
	sb.WriteString("}\n")

	if len(cfg.Stores) > 0 {
		sb.WriteString("\nstores: {\n")
		for _, label := range slices.Sorted(maps.Keys(cfg.Stores)) {
			store := cfg.Stores[label]
			if store.URL != "" {
				fmt.Fprintf(&sb, "\t%q: {type: %q, url: %q}\n", label, store.Type, store.URL)
			} else {
				fmt.Fprintf(&sb, "\t%q: {type: %q}\n", label, store.Type)
			}
		}
		sb.WriteString("}\n")
	}

	fmt.Fprintf(&sb, "\nlog: level: %q\n", cfg.Log.Level)

	return sb.String()
}
