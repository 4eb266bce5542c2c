// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"cmp"
	"slices"

	"github.com/invowk/wasmshim/internal/manifest"
)

type (
	// RouteTable picks the HTTP trigger for a request path. An exact route
	// beats any wildcard; among wildcards the longest prefix wins.
	RouteTable struct {
		routes []httpRoute
	}

	httpRoute struct {
		trigger manifest.Trigger
		config  manifest.HTTPConfig
	}
)

// NewRouteTable indexes the HTTP triggers. Non-HTTP triggers are ignored.
func NewRouteTable(triggers []manifest.Trigger) *RouteTable {
	t := &RouteTable{}
	for _, tr := range triggers {
		if cfg, ok := tr.Config.(manifest.HTTPConfig); ok {
			t.routes = append(t.routes, httpRoute{trigger: tr, config: cfg})
		}
	}
	slices.SortStableFunc(t.routes, func(a, b httpRoute) int {
		if a.config.Route.Wildcard != b.config.Route.Wildcard {
			if a.config.Route.Wildcard {
				return 1
			}
			return -1
		}
		return cmp.Compare(len(b.config.Route.Prefix), len(a.config.Route.Prefix))
	})
	return t
}

// Match returns the trigger serving path.
func (t *RouteTable) Match(path string) (manifest.Trigger, manifest.HTTPConfig, bool) {
	for _, r := range t.routes {
		if r.config.Route.Matches(path) {
			return r.trigger, r.config, true
		}
	}
	return manifest.Trigger{}, manifest.HTTPConfig{}, false
}

// Len returns the number of routes.
func (t *RouteTable) Len() int { return len(t.routes) }
