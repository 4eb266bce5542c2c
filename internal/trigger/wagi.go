// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/invowk/wasmshim/internal/manifest"
)

var errNoContentType = errors.New("CGI response has neither Content-Type nor Location")

// cgiEnv describes the request in CGI/1.1 terms, plus the matched route and
// the full URL.
func cgiEnv(r *http.Request, cfg manifest.HTTPConfig, bodyLen int) map[string]string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_SOFTWARE":   "wasmshim",
		"SERVER_PROTOCOL":   r.Proto,
		"SERVER_NAME":       hostOnly(r.Host),
		"REQUEST_METHOD":    r.Method,
		"SCRIPT_NAME":       cfg.Route.Prefix,
		"PATH_INFO":         cfg.Route.PathInfo(r.URL.Path),
		"QUERY_STRING":      r.URL.RawQuery,
		"REMOTE_ADDR":       remote,
		"CONTENT_LENGTH":    strconv.Itoa(bodyLen),
		"CONTENT_TYPE":      r.Header.Get("Content-Type"),
		"X_MATCHED_ROUTE":   cfg.Route.String(),
		"X_FULL_URL":        scheme + "://" + r.Host + r.URL.RequestURI(),
	}
	for name, values := range r.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env[key] = strings.Join(values, ", ")
	}
	return env
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

type cgiResponse struct {
	status int
	header http.Header
	body   []byte
}

// parseCGIResponse splits guest stdout into a header block and body. A
// Status header sets the code; a Location without one redirects.
func parseCGIResponse(out []byte) (*cgiResponse, error) {
	br := bufio.NewReader(bytes.NewReader(out))
	mime, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read CGI header block: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}

	resp := &cgiResponse{status: http.StatusOK, header: http.Header(mime), body: body}
	if st := resp.header.Get("Status"); st != "" {
		code, _, _ := strings.Cut(strings.TrimSpace(st), " ")
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 999 {
			return nil, fmt.Errorf("invalid CGI Status %q", st)
		}
		resp.status = n
		resp.header.Del("Status")
	} else if resp.header.Get("Location") != "" {
		resp.status = http.StatusFound
	}
	if resp.header.Get("Content-Type") == "" && resp.header.Get("Location") == "" {
		return nil, errNoContentType
	}
	return resp, nil
}
