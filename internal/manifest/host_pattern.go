// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"net/url"
	"strings"
)

// HostPattern is one allowed_outbound_hosts entry:
//
//	*                        any host on any scheme and port
//	https://api.example.com  one host, default https port
//	https://*.example.com    any subdomain
//	*://localhost:*          any scheme and port
type HostPattern struct {
	Scheme string
	Host   string
	Port   string
}

// ParseHostPattern parses an allowed_outbound_hosts entry.
func ParseHostPattern(s string) (HostPattern, error) {
	if s == "*" {
		return HostPattern{Scheme: "*", Host: "*", Port: "*"}, nil
	}
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return HostPattern{}, fmt.Errorf("outbound host %q must include a scheme, e.g. https://%s", s, s)
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return HostPattern{}, fmt.Errorf("outbound host %q must be scheme://host[:port] without a path", s)
	}

	host, port := rest, ""
	if i := strings.LastIndexByte(rest, ':'); i >= 0 && !strings.HasSuffix(rest, "]") {
		host, port = rest[:i], rest[i+1:]
		if port == "" {
			return HostPattern{}, fmt.Errorf("outbound host %q has an empty port", s)
		}
	}
	host = strings.Trim(host, "[]")
	if port == "" {
		port = defaultPort(scheme)
	}
	if strings.Contains(host, "*") && host != "*" && !strings.HasPrefix(host, "*.") {
		return HostPattern{}, fmt.Errorf("outbound host %q: wildcard must be the whole host or a leading *.", s)
	}
	return HostPattern{Scheme: strings.ToLower(scheme), Host: strings.ToLower(host), Port: port}, nil
}

// Allows reports whether u falls under the pattern.
func (p HostPattern) Allows(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if p.Scheme != "*" && p.Scheme != scheme {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case p.Host == "*":
	case strings.HasPrefix(p.Host, "*."):
		if !strings.HasSuffix(host, p.Host[1:]) {
			return false
		}
	case p.Host != host:
		return false
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}
	return p.Port == "*" || p.Port == port
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return "*"
	}
}

// AllowsOutbound reports whether any allowed_outbound_hosts entry admits u.
// Entries are validated at load time; invalid ones never match.
func (c Capabilities) AllowsOutbound(u *url.URL) bool {
	for _, entry := range c.AllowedOutboundHosts {
		p, err := ParseHostPattern(entry)
		if err == nil && p.Allows(u) {
			return true
		}
	}
	return false
}
