// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"context"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"mvdan.cc/sh/v3/shell"

	"github.com/invowk/wasmshim/pkg/cueutil"
)

//go:embed manifest_schema.cue
var manifestSchema []byte

// FileNames are probed, in order, when Load is given a bundle directory.
var FileNames = []string{"wasmshim.toml", "spin.toml", "app.cue"}

var (
	idPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
)

type (
	// Option configures Load.
	Option func(*loadOptions)

	loadOptions struct {
		lookupEnv func(string) (string, bool)
	}
)

// WithLookupEnv sets the environment used for {{ env.NAME }} templates and
// variable overrides. The default is the process environment.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.lookupEnv = lookup }
}

// WithEnv is WithLookupEnv over a fixed map.
func WithEnv(env map[string]string) Option {
	return WithLookupEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})
}

// Locate returns the manifest file for source, which is either a manifest
// file or a bundle directory.
func Locate(source string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", unresolved(source, "", "manifest source: %w", err)
	}
	if !info.IsDir() {
		return source, nil
	}
	for _, name := range FileNames {
		candidate := filepath.Join(source, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}
	return "", &ManifestError{Kind: KindUnresolvedReference, File: source, Err: ErrNotFound}
}

// Load reads, validates and resolves an application manifest. File
// sources are checked for existence but never read.
func Load(ctx context.Context, source string, opts ...Option) (*App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := loadOptions{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	path, err := Locate(source)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unresolved(path, "", "read manifest: %w", err)
	}

	doc, err := decode(path, data)
	if err != nil {
		return nil, err
	}

	b := &builder{
		file: path,
		dir:  filepath.Dir(path),
		res:  &resolver{file: path, lookupEnv: o.lookupEnv},
	}
	return b.build(doc)
}

// decode parses TOML or CUE and unifies the result with #Manifest.
func decode(path string, data []byte) (*document, error) {
	opts := []cueutil.Option{
		cueutil.WithFilename(path),
		cueutil.WithPrecheck(checkTriggerKinds(path)),
	}

	var (
		res *cueutil.ParseResult[document]
		err error
	)
	if filepath.Ext(path) == ".cue" {
		res, err = cueutil.ParseAndDecode[document](manifestSchema, data, "#Manifest", opts...)
	} else {
		var raw map[string]any
		if terr := toml.Unmarshal(data, &raw); terr != nil {
			return nil, malformed(path, "", describeTOMLError(terr))
		}
		res, err = cueutil.DecodeValue[document](manifestSchema, raw, "#Manifest", opts...)
	}
	if err != nil {
		var me *ManifestError
		if errors.As(err, &me) {
			return nil, me
		}
		return nil, malformed(path, "", err)
	}
	return res.Value, nil
}

func describeTOMLError(err error) error {
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, col := derr.Position()
		return fmt.Errorf("line %d, column %d: %s", row, col, derr.Error())
	}
	return err
}

// checkTriggerKinds rejects unknown trigger tables before schema validation
// so the error names the tag instead of a closedness violation.
func checkTriggerKinds(path string) cueutil.Precheck {
	return func(v cue.Value) error {
		labels, err := cueutil.FieldLabels(v, "trigger")
		if err != nil {
			return malformed(path, "trigger", errors.New("trigger must be a table of trigger lists"))
		}
		for _, label := range labels {
			if err := TriggerKind(label).Validate(); err != nil {
				return malformed(path, "trigger."+label, err)
			}
		}
		return nil
	}
}

type builder struct {
	file string
	dir  string
	res  *resolver
}

func (b *builder) build(doc *document) (*App, error) {
	if err := b.res.resolveVariables(doc.Variables); err != nil {
		return nil, err
	}

	app := &App{
		Name:         doc.Application.Name,
		Version:      doc.Application.Version,
		Description:  doc.Application.Description,
		Dir:          b.dir,
		ManifestPath: b.file,
		byID:         make(map[string]int, len(doc.Component)),
		variables:    b.res.vars,
	}

	if len(doc.Component) == 0 {
		return nil, malformed(b.file, "component", errors.New("at least one component is required"))
	}
	for _, id := range slices.Sorted(maps.Keys(doc.Component)) {
		c, err := b.component(id, doc.Component[id])
		if err != nil {
			return nil, err
		}
		app.byID[id] = len(app.components)
		app.components = append(app.components, c)
	}

	triggers, err := b.triggers(doc.Trigger, app)
	if err != nil {
		return nil, err
	}
	app.triggers = triggers
	return app, nil
}

func (b *builder) component(id string, doc componentDoc) (Component, error) {
	field := "component." + id
	if !idPattern.MatchString(id) {
		return Component{}, malformed(b.file, field, fmt.Errorf("component id %q must match %s", id, idPattern))
	}

	c := Component{
		ID:          id,
		Description: doc.Description,
		Capabilities: Capabilities{
			AllowedOutboundHosts: slices.Clone(doc.AllowedOutboundHosts),
			KeyValueStores:       slices.Clone(doc.KeyValueStores),
			AllowedEnv:           slices.Clone(doc.AllowedEnv),
		},
		Environment: make(map[string]string, len(doc.Environment)),
		Variables:   make(map[string]string, len(doc.Variables)),
	}

	src, err := b.source(field+".source", doc.Source)
	if err != nil {
		return Component{}, err
	}
	c.Source = src

	for i, host := range c.Capabilities.AllowedOutboundHosts {
		if _, err := ParseHostPattern(host); err != nil {
			return Component{}, malformed(b.file, fmt.Sprintf("%s.allowed_outbound_hosts[%d]", field, i), err)
		}
	}
	for i, label := range c.Capabilities.KeyValueStores {
		if !idPattern.MatchString(label) {
			return Component{}, malformed(b.file, fmt.Sprintf("%s.key_value_stores[%d]", field, i),
				fmt.Errorf("store label %q must match %s", label, idPattern))
		}
	}
	for i, name := range c.Capabilities.AllowedEnv {
		if !envNamePattern.MatchString(name) {
			return Component{}, malformed(b.file, fmt.Sprintf("%s.allowed_env[%d]", field, i),
				fmt.Errorf("invalid environment variable name %q", name))
		}
	}

	for _, key := range slices.Sorted(maps.Keys(doc.Environment)) {
		if !envNamePattern.MatchString(key) {
			return Component{}, malformed(b.file, field+".environment", fmt.Errorf("invalid environment variable name %q", key))
		}
		v, err := b.res.expandField(field+".environment."+key, doc.Environment[key])
		if err != nil {
			return Component{}, err
		}
		c.Environment[key] = v
	}
	for _, key := range slices.Sorted(maps.Keys(doc.Variables)) {
		v, err := b.res.expandField(field+".variables."+key, doc.Variables[key])
		if err != nil {
			return Component{}, err
		}
		c.Variables[key] = v
	}

	if doc.Limits != nil {
		limits, err := b.limits(field+".limits", *doc.Limits)
		if err != nil {
			return Component{}, err
		}
		c.Limits = limits
	}
	return c, nil
}

func (b *builder) source(field string, raw any) (Source, error) {
	switch v := raw.(type) {
	case string:
		return b.fileSource(field, v, "")
	case map[string]any:
		digest, _ := v["digest"].(string)
		if digest != "" && !digestPattern.MatchString(digest) {
			return Source{}, malformed(b.file, field+".digest", fmt.Errorf("digest %q must be sha256:<64 hex digits>", digest))
		}
		if inline, ok := v["inline"].(string); ok {
			data, err := base64.StdEncoding.DecodeString(inline)
			if err != nil {
				return Source{}, malformed(b.file, field+".inline", fmt.Errorf("inline source is not valid base64: %w", err))
			}
			return Source{Kind: SourceInline, Data: data}, nil
		}
		if rawURL, ok := v["url"].(string); ok {
			u, err := url.Parse(rawURL)
			if err != nil || u.Host == "" {
				return Source{}, malformed(b.file, field+".url", fmt.Errorf("invalid source url %q", rawURL))
			}
			return Source{Kind: SourceURL, URL: rawURL, Digest: digest}, nil
		}
		if p, ok := v["path"].(string); ok {
			return b.fileSource(field, p, digest)
		}
	}
	return Source{}, malformed(b.file, field, fmt.Errorf("unsupported source %v", raw))
}

func (b *builder) fileSource(field, p, digest string) (Source, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.dir, p)
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return Source{}, unresolved(b.file, field, "source file %q not found", p)
	}
	if err != nil {
		return Source{}, unresolved(b.file, field, "source file %q: %w", p, err)
	}
	if info.IsDir() {
		return Source{}, malformed(b.file, field, fmt.Errorf("source %q is a directory", p))
	}
	return Source{Kind: SourceFile, Path: p, Digest: digest}, nil
}

func (b *builder) limits(field string, doc limitsDoc) (Limits, error) {
	l := Limits{MaxSteps: doc.MaxSteps}
	if doc.Memory != "" {
		n, err := units.RAMInBytes(doc.Memory)
		if err != nil || n <= 0 {
			return Limits{}, malformed(b.file, field+".memory", fmt.Errorf("invalid memory size %q", doc.Memory))
		}
		l.MemoryBytes = uint64(n)
	}
	if doc.Timeout != "" {
		d, err := parsePositiveDuration(doc.Timeout)
		if err != nil {
			return Limits{}, malformed(b.file, field+".timeout", err)
		}
		l.Timeout = d
	}
	return l, nil
}

func (b *builder) retry(field string, maxAttempts int, backoff string) (RetryPolicy, error) {
	p := RetryPolicy{MaxAttempts: maxAttempts}
	if backoff != "" {
		d, err := parsePositiveDuration(backoff)
		if err != nil {
			return RetryPolicy{}, malformed(b.file, field+".backoff", err)
		}
		p.Backoff = d
	}
	return p, nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// triggers builds every trigger in kind order, checking component
// references, trigger id uniqueness and HTTP route uniqueness.
func (b *builder) triggers(doc triggersDoc, app *App) ([]Trigger, error) {
	var out []Trigger
	ids := make(map[string]string)
	routes := make(map[Route]string)

	add := func(kind TriggerKind, i int, id, component string, build func(field string) (TriggerConfig, error)) error {
		field := fmt.Sprintf("trigger.%s[%d]", kind, i)
		if id == "" {
			id = fmt.Sprintf("%s-%d", kind, i)
		}
		if prev, dup := ids[id]; dup {
			return malformed(b.file, field+".id", fmt.Errorf("trigger id %q is already used by %s", id, prev))
		}
		ids[id] = field
		if _, ok := app.Component(component); !ok {
			return unresolved(b.file, field+".component", "component %q is not declared", component)
		}
		cfg, err := build(field)
		if err != nil {
			return err
		}
		out = append(out, Trigger{ID: id, Kind: kind, Component: component, Config: cfg})
		return nil
	}

	for i, t := range doc.HTTP {
		err := add(TriggerHTTP, i, t.ID, t.Component, func(field string) (TriggerConfig, error) {
			route, err := ParseRoute(t.Route)
			if err != nil {
				return nil, malformed(b.file, field+".route", err)
			}
			if prev, dup := routes[route]; dup {
				return nil, malformed(b.file, field+".route", fmt.Errorf("route %q is already claimed by %s", route, prev))
			}
			routes[route] = field
			executor := Executor(t.Executor)
			if executor == "" {
				executor = ExecutorRaw
			}
			return HTTPConfig{Route: route, Executor: executor}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i, t := range doc.Redis {
		err := add(TriggerRedis, i, t.ID, t.Component, func(field string) (TriggerConfig, error) {
			cfg := RedisConfig{}
			var err error
			if cfg.Channel, err = b.res.expandField(field+".channel", t.Channel); err != nil {
				return nil, err
			}
			if cfg.Address, err = b.res.expandField(field+".address", t.Address); err != nil {
				return nil, err
			}
			if cfg.DeadLetter, err = b.res.expandField(field+".dead_letter_channel", t.DeadLetterChannel); err != nil {
				return nil, err
			}
			if cfg.Retry, err = b.retry(field, t.MaxAttempts, t.Backoff); err != nil {
				return nil, err
			}
			return cfg, nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i, t := range doc.MQTT {
		err := add(TriggerMQTT, i, t.ID, t.Component, func(field string) (TriggerConfig, error) {
			cfg := MQTTConfig{QoS: 1}
			if t.QoS != nil {
				cfg.QoS = byte(*t.QoS)
			}
			var err error
			if cfg.Topic, err = b.res.expandField(field+".topic", t.Topic); err != nil {
				return nil, err
			}
			if cfg.Address, err = b.res.expandField(field+".address", t.Address); err != nil {
				return nil, err
			}
			if cfg.DeadLetterTopic, err = b.res.expandField(field+".dead_letter_topic", t.DeadLetterTopic); err != nil {
				return nil, err
			}
			if cfg.Retry, err = b.retry(field, t.MaxAttempts, t.Backoff); err != nil {
				return nil, err
			}
			return cfg, nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i, t := range doc.SQS {
		err := add(TriggerSQS, i, t.ID, t.Component, func(field string) (TriggerConfig, error) {
			cfg := SQSConfig{}
			var err error
			if cfg.QueueURL, err = b.res.expandField(field+".queue_url", t.QueueURL); err != nil {
				return nil, err
			}
			if cfg.DeadLetterQueueURL, err = b.res.expandField(field+".dead_letter_queue_url", t.DeadLetterQueueURL); err != nil {
				return nil, err
			}
			if cfg.Retry, err = b.retry(field, t.MaxAttempts, t.Backoff); err != nil {
				return nil, err
			}
			return cfg, nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i, t := range doc.Command {
		err := add(TriggerCommand, i, t.ID, t.Component, func(field string) (TriggerConfig, error) {
			expanded, err := b.res.expandField(field+".args", t.Args)
			if err != nil {
				return nil, err
			}
			comp, _ := app.Component(t.Component)
			args, err := shell.Fields(expanded, func(name string) string { return comp.Environment[name] })
			if err != nil {
				return nil, malformed(b.file, field+".args", err)
			}
			return CommandConfig{Args: args}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
