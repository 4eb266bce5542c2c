// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrInvalidListenPort is the sentinel error wrapped by InvalidListenPortError.
	ErrInvalidListenPort = errors.New("invalid listen port")
	// ErrInvalidListenAddr is the sentinel error wrapped by InvalidListenAddrError.
	ErrInvalidListenAddr = errors.New("invalid listen address")
)

type (
	// ListenPort is a TCP port. Zero means "pick a free port".
	ListenPort int

	// InvalidListenPortError is returned when a ListenPort is outside 0-65535.
	InvalidListenPortError struct {
		Value ListenPort
	}

	// ListenAddr is a host:port pair for the HTTP trigger listener. The
	// host may be empty to listen on every interface.
	ListenAddr string

	// InvalidListenAddrError is returned when a ListenAddr does not parse
	// or carries an invalid port.
	InvalidListenAddrError struct {
		Value ListenAddr
		Err   error
	}
)

func (p ListenPort) String() string { return strconv.Itoa(int(p)) }

// Validate returns an error if the port is outside 0-65535.
func (p ListenPort) Validate() error {
	if p < 0 || p > 65535 {
		return &InvalidListenPortError{Value: p}
	}
	return nil
}

func (e *InvalidListenPortError) Error() string {
	return fmt.Sprintf("invalid listen port %d: must be 0 (auto-select) or 1-65535", e.Value)
}

func (e *InvalidListenPortError) Unwrap() error { return ErrInvalidListenPort }

func (a ListenAddr) String() string { return string(a) }

// Port returns the port part of the address.
func (a ListenAddr) Port() (ListenPort, error) {
	_, port, err := net.SplitHostPort(string(a))
	if err != nil {
		return 0, &InvalidListenAddrError{Value: a, Err: err}
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, &InvalidListenAddrError{Value: a, Err: fmt.Errorf("port %q is not a number", port)}
	}
	p := ListenPort(n)
	if err := p.Validate(); err != nil {
		return 0, &InvalidListenAddrError{Value: a, Err: err}
	}
	return p, nil
}

// Validate returns an error unless the address is host:port with a valid port.
func (a ListenAddr) Validate() error {
	_, err := a.Port()
	return err
}

func (e *InvalidListenAddrError) Error() string {
	return fmt.Sprintf("invalid listen address %q: %v", e.Value, e.Err)
}

// Unwrap exposes ErrInvalidListenAddr and the cause.
func (e *InvalidListenAddrError) Unwrap() []error {
	return []error{ErrInvalidListenAddr, e.Err}
}
