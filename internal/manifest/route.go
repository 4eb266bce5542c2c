// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"strings"
)

const wildcardSuffix = "/..."

// Route is an HTTP trigger route. "/hello" matches exactly; "/hello/..."
// matches "/hello" and everything below it; "/..." matches every path.
type Route struct {
	// Prefix is the route without the wildcard suffix and without a trailing slash.
	Prefix   string
	Wildcard bool
}

// ParseRoute parses a route pattern.
func ParseRoute(pattern string) (Route, error) {
	if !strings.HasPrefix(pattern, "/") {
		return Route{}, fmt.Errorf("route %q must start with /", pattern)
	}
	r := Route{Prefix: pattern}
	if strings.HasSuffix(pattern, wildcardSuffix) {
		r.Wildcard = true
		r.Prefix = strings.TrimSuffix(pattern, wildcardSuffix)
	}
	if strings.Contains(r.Prefix, "...") {
		return Route{}, fmt.Errorf("route %q: wildcard is only allowed as a trailing /...", pattern)
	}
	r.Prefix = trimSlash(r.Prefix)
	return r, nil
}

// Matches reports whether the request path falls under the route.
func (r Route) Matches(path string) bool {
	path = trimSlash(path)
	if !r.Wildcard {
		return path == r.Prefix
	}
	return r.Prefix == "" || path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// PathInfo returns the part of path below a wildcard route's prefix.
func (r Route) PathInfo(path string) string {
	if !r.Wildcard {
		return ""
	}
	return strings.TrimPrefix(path, r.Prefix)
}

func (r Route) String() string {
	if r.Wildcard {
		return r.Prefix + wildcardSuffix
	}
	if r.Prefix == "" {
		return "/"
	}
	return r.Prefix
}

func trimSlash(p string) string {
	return strings.TrimRight(p, "/")
}
