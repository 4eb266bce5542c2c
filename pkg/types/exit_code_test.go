// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"testing"
)

func TestExitCodeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		value     ExitCode
		wantValid bool
	}{
		{name: "zero is valid", value: 0, wantValid: true},
		{name: "startup failed is valid", value: ExitStartupFailed, wantValid: true},
		{name: "killed is valid", value: ExitKilled, wantValid: true},
		{name: "255 is valid", value: 255, wantValid: true},
		{name: "negative is invalid", value: -1, wantValid: false},
		{name: "256 is invalid", value: 256, wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.value.Validate()
			if (err == nil) != tt.wantValid {
				t.Fatalf("ExitCode(%d).Validate() error = %v, wantValid %v", tt.value, err, tt.wantValid)
			}
			if !tt.wantValid && !errors.Is(err, ErrInvalidExitCode) {
				t.Errorf("error does not wrap ErrInvalidExitCode: %v", err)
			}
		})
	}
}

func TestExitCodeIsReserved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ExitCode
		want bool
	}{
		{ExitSuccess, false},
		{ExitFailure, false},
		{ExitStartupFailed, true},
		{ExitConfigInvalid, true},
		{ExitTimedOut, false},
		{ExitKilled, true},
		{42, false},
	}

	for _, tt := range tests {
		if got := tt.code.IsReserved(); got != tt.want {
			t.Errorf("ExitCode(%d).IsReserved() = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFromGuest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status uint32
		want   ExitCode
	}{
		{0, ExitSuccess},
		{3, 3},
		{255, 255},
		{256, ExitFailure},
		{1 << 31, ExitFailure},
	}

	for _, tt := range tests {
		if got := FromGuest(tt.status); got != tt.want {
			t.Errorf("FromGuest(%d) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestExitCodeString(t *testing.T) {
	t.Parallel()

	if got := ExitCode(42).String(); got != "42" {
		t.Errorf("ExitCode(42).String() = %q, want %q", got, "42")
	}
}
