// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/invowk/wasmshim/internal/dag"
)

// VariableEnvPrefix prefixes environment variables that override
// application variable values.
const VariableEnvPrefix = "WASMSHIM_VARIABLE_"

// resolver expands templates for one manifest.
type resolver struct {
	file      string
	lookupEnv func(string) (string, bool)
	vars      map[string]Variable
}

// expandField expands one manifest value and attributes failures to field.
func (r *resolver) expandField(field, value string) (string, error) {
	tmpl, err := parseTemplate(value)
	if err != nil {
		return "", invalidExpr(r.file, field, err)
	}
	out, missing := tmpl.expand(r.lookup)
	if missing != nil {
		return "", r.unresolvedRef(field, *missing)
	}
	return out, nil
}

func (r *resolver) lookup(ref reference) (string, bool) {
	if ref.env {
		return r.lookupEnv(ref.name)
	}
	v, ok := r.vars[ref.name]
	return v.Value, ok
}

func (r *resolver) unresolvedRef(field string, ref reference) error {
	if ref.env {
		return unresolved(r.file, field, "environment variable %q is not set", ref.name)
	}
	return unresolved(r.file, field, "variable %q is not declared", ref.name)
}

// resolveVariables computes every application variable. Overrides from the
// environment are taken literally; defaults may reference other variables
// and the environment.
func (r *resolver) resolveVariables(decls map[string]variableDoc) error {
	r.vars = make(map[string]Variable, len(decls))

	names := slices.Sorted(maps.Keys(decls))
	graph := dag.New()
	templates := make(map[string]template, len(decls))

	for _, name := range names {
		field := "variables." + name
		if !variableNamePattern.MatchString(name) {
			return malformed(r.file, field, fmt.Errorf("variable name %q must match %s", name, variableNamePattern))
		}
		graph.AddNode(name)

		decl := decls[name]
		if override, ok := r.lookupEnv(VariableEnvPrefix + strings.ToUpper(name)); ok {
			templates[name] = template{{literal: override}}
			continue
		}
		if decl.Default == nil {
			if decl.Required {
				return unresolved(r.file, field, "required variable %q has no value (set %s%s)", name, VariableEnvPrefix, strings.ToUpper(name))
			}
			templates[name] = nil
			continue
		}

		tmpl, err := parseTemplate(*decl.Default)
		if err != nil {
			return invalidExpr(r.file, field, err)
		}
		for _, dep := range tmpl.variables() {
			if _, declared := decls[dep]; !declared {
				return r.unresolvedRef(field, reference{name: dep})
			}
			graph.AddEdge(dep, name)
		}
		templates[name] = tmpl
	}

	order, err := graph.TopologicalSort()
	if err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return invalidExpr(r.file, "variables."+cycle.Cycle[0], err)
		}
		return invalidExpr(r.file, "variables", err)
	}

	for _, name := range order {
		value, missing := templates[name].expand(r.lookup)
		if missing != nil {
			return r.unresolvedRef("variables."+name, *missing)
		}
		r.vars[name] = Variable{Name: name, Value: value, Secret: decls[name].Secret}
	}
	return nil
}
