// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	envNamePattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	variableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

type (
	// reference is one {{ ... }} expression: an environment variable or an
	// application variable.
	reference struct {
		env  bool
		name string
	}

	templatePart struct {
		literal string
		ref     *reference
	}

	template []templatePart
)

func (r reference) String() string {
	if r.env {
		return "env." + r.name
	}
	return r.name
}

// parseTemplate splits s into literal text and {{ expr }} references.
func parseTemplate(s string) (template, error) {
	var parts template
	for {
		open := strings.Index(s, "{{")
		if open < 0 {
			if strings.Contains(s, "}}") {
				return nil, fmt.Errorf("unexpected }} without matching {{")
			}
			if s != "" {
				parts = append(parts, templatePart{literal: s})
			}
			return parts, nil
		}
		if open > 0 {
			if strings.Contains(s[:open], "}}") {
				return nil, fmt.Errorf("unexpected }} without matching {{")
			}
			parts = append(parts, templatePart{literal: s[:open]})
		}
		rest := s[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated expression %q", "{{"+rest)
		}
		ref, err := parseReference(strings.TrimSpace(rest[:end]))
		if err != nil {
			return nil, err
		}
		parts = append(parts, templatePart{ref: &ref})
		s = rest[end+2:]
	}
}

func parseReference(expr string) (reference, error) {
	if name, ok := strings.CutPrefix(expr, "env."); ok {
		if !envNamePattern.MatchString(name) {
			return reference{}, fmt.Errorf("invalid environment variable name %q", name)
		}
		return reference{env: true, name: name}, nil
	}
	if !variableNamePattern.MatchString(expr) {
		return reference{}, fmt.Errorf("unsupported expression %q (use {{ env.NAME }} or {{ variable }})", expr)
	}
	return reference{name: expr}, nil
}

// variables returns the application variables the template references.
func (t template) variables() []string {
	var names []string
	for _, p := range t {
		if p.ref != nil && !p.ref.env {
			names = append(names, p.ref.name)
		}
	}
	return names
}

// expand renders the template. resolve returns false for references that
// cannot be satisfied.
func (t template) expand(resolve func(reference) (string, bool)) (string, *reference) {
	var sb strings.Builder
	for _, p := range t {
		if p.ref == nil {
			sb.WriteString(p.literal)
			continue
		}
		v, ok := resolve(*p.ref)
		if !ok {
			ref := *p.ref
			return "", &ref
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}
