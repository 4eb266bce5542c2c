// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"net/url"
	"testing"
)

func TestParseHostPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    HostPattern
		wantErr bool
	}{
		{in: "*", want: HostPattern{Scheme: "*", Host: "*", Port: "*"}},
		{in: "https://api.example.com", want: HostPattern{Scheme: "https", Host: "api.example.com", Port: "443"}},
		{in: "http://Example.com:8080/", want: HostPattern{Scheme: "http", Host: "example.com", Port: "8080"}},
		{in: "https://*.example.com", want: HostPattern{Scheme: "https", Host: "*.example.com", Port: "443"}},
		{in: "*://localhost:*", want: HostPattern{Scheme: "*", Host: "localhost", Port: "*"}},
		{in: "http://[::1]", want: HostPattern{Scheme: "http", Host: "::1", Port: "80"}},
		{in: "example.com", wantErr: true},
		{in: "https://example.com/path", wantErr: true},
		{in: "https://api.*.com", wantErr: true},
		{in: "https://example.com:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseHostPattern(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHostPattern(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseHostPattern(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCapabilitiesAllowsOutbound(t *testing.T) {
	t.Parallel()

	caps := Capabilities{AllowedOutboundHosts: []string{
		"https://api.example.com",
		"https://*.cdn.example.net",
		"*://localhost:*",
	}}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.example.com/v1", true},
		{"https://api.example.com:443/v1", true},
		{"http://api.example.com/v1", false},
		{"https://api.example.com:8443/", false},
		{"https://img.cdn.example.net/a.png", true},
		{"https://cdn.example.net/a.png", false},
		{"http://localhost:9999/", true},
		{"https://evil.example.org/", false},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		if err != nil {
			t.Fatal(err)
		}
		if got := caps.AllowsOutbound(u); got != tt.want {
			t.Errorf("AllowsOutbound(%s) = %v, want %v", tt.url, got, tt.want)
		}
	}

	if (Capabilities{}).AllowsOutbound(&url.URL{Scheme: "https", Host: "example.com"}) {
		t.Error("empty capabilities must deny everything")
	}
}
