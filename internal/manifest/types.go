// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

const (
	TriggerHTTP    TriggerKind = "http"
	TriggerRedis   TriggerKind = "redis"
	TriggerMQTT    TriggerKind = "mqtt"
	TriggerSQS     TriggerKind = "sqs"
	TriggerCommand TriggerKind = "command"

	SourceFile   SourceKind = "file"
	SourceInline SourceKind = "inline"
	SourceURL    SourceKind = "url"

	// ExecutorRaw passes the request body on stdin and returns stdout as the body.
	ExecutorRaw Executor = "raw"
	// ExecutorWagi expects a CGI-style response with a header block.
	ExecutorWagi Executor = "wagi"
)

// ErrInvalidTriggerKind is returned when a TriggerKind value is not recognized.
var ErrInvalidTriggerKind = errors.New("invalid trigger kind")

type (
	// App is a loaded application. It is immutable once Load returns; the
	// accessors hand out copies.
	App struct {
		Name         string
		Version      string
		Description  string
		Dir          string
		ManifestPath string

		components []Component
		byID       map[string]int
		triggers   []Trigger
		variables  map[string]Variable
	}

	// Variable is an application variable after resolution.
	Variable struct {
		Name   string
		Value  string
		Secret bool
	}

	// Component is one WebAssembly unit with its declared capabilities.
	Component struct {
		ID           string
		Description  string
		Source       Source
		Capabilities Capabilities
		// Environment holds literal environment values after template expansion.
		Environment map[string]string
		// Variables are configuration values the guest reads with variable_get.
		Variables map[string]string
		Limits    Limits
	}

	// SourceKind says where component bytes come from.
	SourceKind string

	// Source locates component bytes.
	Source struct {
		Kind SourceKind
		// Path is absolute for file sources.
		Path string
		// Data holds decoded bytes for inline sources.
		Data []byte
		URL  string
		// Digest is an optional "sha256:<hex>" checksum.
		Digest string
	}

	// Capabilities is the closed set of host interfaces a component may touch.
	Capabilities struct {
		AllowedOutboundHosts []string
		KeyValueStores       []string
		AllowedEnv           []string
	}

	// Limits caps one invocation. Zero fields fall back to shim defaults.
	Limits struct {
		MemoryBytes uint64
		MaxSteps    uint64
		Timeout     time.Duration
	}

	// TriggerKind is the closed set of event sources.
	TriggerKind string

	// InvalidTriggerKindError is returned when a TriggerKind value is not recognized.
	InvalidTriggerKindError struct {
		Value TriggerKind
	}

	// Trigger binds an event source to a component.
	Trigger struct {
		ID        string
		Kind      TriggerKind
		Component string
		Config    TriggerConfig
	}

	// TriggerConfig is the protocol-specific part of a trigger. The set of
	// implementations is closed.
	TriggerConfig interface {
		triggerKind() TriggerKind
	}

	// Executor selects how an HTTP component's output becomes a response.
	Executor string

	// HTTPConfig is an HTTP route.
	HTTPConfig struct {
		Route    Route
		Executor Executor
	}

	// RedisConfig subscribes to a Redis pub/sub channel.
	RedisConfig struct {
		// Address overrides redis.address when set.
		Address    string
		Channel    string
		DeadLetter string
		Retry      RetryPolicy
	}

	// MQTTConfig subscribes to an MQTT topic filter.
	MQTTConfig struct {
		Address         string
		Topic           string
		QoS             byte
		DeadLetterTopic string
		Retry           RetryPolicy
	}

	// SQSConfig polls an SQS queue.
	SQSConfig struct {
		QueueURL           string
		DeadLetterQueueURL string
		Retry              RetryPolicy
	}

	// CommandConfig runs the component once with Args.
	CommandConfig struct {
		Args []string
	}

	// RetryPolicy overrides the shim's retry defaults. Zero fields mean "use
	// the default".
	RetryPolicy struct {
		MaxAttempts int
		Backoff     time.Duration
	}
)

func (HTTPConfig) triggerKind() TriggerKind    { return TriggerHTTP }
func (RedisConfig) triggerKind() TriggerKind   { return TriggerRedis }
func (MQTTConfig) triggerKind() TriggerKind    { return TriggerMQTT }
func (SQSConfig) triggerKind() TriggerKind     { return TriggerSQS }
func (CommandConfig) triggerKind() TriggerKind { return TriggerCommand }

// TriggerKinds lists every supported trigger kind.
func TriggerKinds() []TriggerKind {
	return []TriggerKind{TriggerHTTP, TriggerRedis, TriggerMQTT, TriggerSQS, TriggerCommand}
}

func (k TriggerKind) String() string { return string(k) }

// Validate returns an error if the TriggerKind is not supported.
func (k TriggerKind) Validate() error {
	if slices.Contains(TriggerKinds(), k) {
		return nil
	}
	return &InvalidTriggerKindError{Value: k}
}

func (e *InvalidTriggerKindError) Error() string {
	names := make([]string, 0, len(TriggerKinds()))
	for _, k := range TriggerKinds() {
		names = append(names, string(k))
	}
	return fmt.Sprintf("unknown trigger protocol %q (valid: %s)", e.Value, strings.Join(names, ", "))
}

func (e *InvalidTriggerKindError) Unwrap() error { return ErrInvalidTriggerKind }

// WithDefaults fills zero fields from def.
func (l Limits) WithDefaults(def Limits) Limits {
	if l.MemoryBytes == 0 {
		l.MemoryBytes = def.MemoryBytes
	}
	if l.MaxSteps == 0 {
		l.MaxSteps = def.MaxSteps
	}
	if l.Timeout == 0 {
		l.Timeout = def.Timeout
	}
	return l
}

// AllowsStore reports whether the component declared the key/value store label.
func (c Capabilities) AllowsStore(label string) bool {
	return slices.Contains(c.KeyValueStores, label)
}

// Components returns the components ordered by id.
func (a *App) Components() []Component {
	return slices.Clone(a.components)
}

// Component returns the component with the given id.
func (a *App) Component(id string) (Component, bool) {
	i, ok := a.byID[id]
	if !ok {
		return Component{}, false
	}
	return a.components[i], true
}

// Triggers returns the triggers in manifest order, grouped by kind.
func (a *App) Triggers() []Trigger {
	return slices.Clone(a.triggers)
}

// TriggersOf returns the triggers of one kind in manifest order.
func (a *App) TriggersOf(kind TriggerKind) []Trigger {
	var out []Trigger
	for _, t := range a.triggers {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// TriggerKinds returns the distinct kinds used by the app.
func (a *App) TriggerKinds() []TriggerKind {
	var kinds []TriggerKind
	for _, t := range a.triggers {
		if !slices.Contains(kinds, t.Kind) {
			kinds = append(kinds, t.Kind)
		}
	}
	return kinds
}

// Variables returns the resolved application variables by name.
func (a *App) Variables() map[string]Variable {
	return maps.Clone(a.variables)
}
