// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
)

// Exit codes reported for a task. Component-defined codes pass through
// unchanged; the values below are reserved by the shim.
const (
	// ExitSuccess means every trigger stopped cleanly.
	ExitSuccess ExitCode = 0
	// ExitFailure is the generic failure code.
	ExitFailure ExitCode = 1
	// ExitStartupFailed means the task could not bring its triggers up.
	ExitStartupFailed ExitCode = 70
	// ExitConfigInvalid means the manifest or the shim configuration was rejected.
	ExitConfigInvalid ExitCode = 78
	// ExitTimedOut is reported by command triggers whose invocation hit its deadline.
	ExitTimedOut ExitCode = 124
	// ExitCancelled is reported by command triggers cancelled by shutdown.
	ExitCancelled ExitCode = 130
	// ExitKilled means the task was forcibly stopped, either by an explicit
	// forced kill or because the grace period ran out.
	ExitKilled ExitCode = 137
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

type (
	// ExitCode represents a task or invocation exit status.
	// Exit codes are in the range 0-255 on POSIX systems.
	// The zero value (0) means success.
	ExitCode int

	// InvalidExitCodeError is returned when an ExitCode is outside the
	// valid range (0-255).
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

// Error implements the error interface.
func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (must be in range 0-255)", e.Value)
}

// Unwrap returns ErrInvalidExitCode so callers can use errors.Is for programmatic detection.
func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }

// Validate returns an error if the ExitCode is outside the valid range (0-255).
func (c ExitCode) Validate() error {
	if c < 0 || c > 255 {
		return &InvalidExitCodeError{Value: c}
	}
	return nil
}

// IsSuccess returns true if the exit code indicates successful execution.
func (c ExitCode) IsSuccess() bool { return c == ExitSuccess }

// IsReserved reports whether the code is one the shim assigns itself
// rather than one passed through from a component.
func (c ExitCode) IsReserved() bool {
	switch c {
	case ExitStartupFailed, ExitConfigInvalid, ExitKilled:
		return true
	default:
		return false
	}
}

// FromGuest converts a guest proc_exit status into an ExitCode. WASI exit
// statuses are 32-bit; anything outside the POSIX range collapses to
// ExitFailure.
func FromGuest(status uint32) ExitCode {
	if status > 255 {
		return ExitFailure
	}
	return ExitCode(status)
}

// String returns the decimal string representation of the ExitCode.
func (c ExitCode) String() string { return strconv.Itoa(int(c)) }
