// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"maps"
	"slices"
)

// BuildEnv assembles a guest environment. Allowlisted host variables come
// first, then the component's literal environment, then per-event values;
// later sources win.
func BuildEnv(allowlist []string, lookup func(string) (string, bool), literal, event map[string]string) map[string]string {
	env := make(map[string]string, len(allowlist)+len(literal)+len(event))
	if lookup != nil {
		for _, name := range allowlist {
			if v, ok := lookup(name); ok {
				env[name] = v
			}
		}
	}
	maps.Copy(env, literal)
	maps.Copy(env, event)
	return env
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
