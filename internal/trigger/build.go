// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"errors"
	"fmt"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/manifest"
)

// ErrMissingConfig is returned when a trigger needs configuration that was
// not supplied.
var ErrMissingConfig = errors.New("required trigger configuration missing")

// CheckConfig verifies that every trigger of app can be built from cfg.
func CheckConfig(app *manifest.App, cfg *config.Config) error {
	var errs []error
	for _, t := range app.Triggers() {
		switch c := t.Config.(type) {
		case manifest.RedisConfig:
			if c.Address == "" && cfg.Redis.Address == "" {
				errs = append(errs, fmt.Errorf("%w: trigger %q needs an address or redis.address", ErrMissingConfig, t.ID))
			}
		case manifest.MQTTConfig:
			if c.Address == "" && cfg.MQTT.Address == "" {
				errs = append(errs, fmt.Errorf("%w: trigger %q needs an address or mqtt.address", ErrMissingConfig, t.ID))
			}
		case manifest.SQSConfig:
			if cfg.SQS.Region == "" {
				errs = append(errs, fmt.Errorf("%w: trigger %q needs sqs.region", ErrMissingConfig, t.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// Build returns the dispatchers for app: one for all HTTP triggers, then
// one per remaining trigger in manifest order.
func Build(app *manifest.App, deps Deps) ([]Dispatcher, error) {
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if err := CheckConfig(app, deps.Config); err != nil {
		return nil, err
	}

	var out []Dispatcher
	if httpTriggers := app.TriggersOf(manifest.TriggerHTTP); len(httpTriggers) > 0 {
		out = append(out, NewHTTP(httpTriggers, deps))
	}
	for _, t := range app.Triggers() {
		switch c := t.Config.(type) {
		case manifest.HTTPConfig:
		case manifest.RedisConfig:
			out = append(out, NewConsumer(t, NewRedisSource(c, deps.Config.Redis.Address), c.Retry, deps))
		case manifest.MQTTConfig:
			out = append(out, NewConsumer(t, NewMQTTSource(t.ID, c, deps.Config.MQTT), c.Retry, deps))
		case manifest.SQSConfig:
			out = append(out, NewConsumer(t, NewSQSSource(c, deps.Config.SQS, deps.SQS), c.Retry, deps))
		case manifest.CommandConfig:
			out = append(out, NewCommand(t, c, deps))
		default:
			return nil, fmt.Errorf("trigger %q: unsupported configuration %T", t.ID, t.Config)
		}
	}
	return out, nil
}
