// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/trigger"
	"github.com/invowk/wasmshim/pkg/types"
)

type (
	// CreateOptions configures one task.
	CreateOptions struct {
		// Config is the shim configuration; nil means config.DefaultConfig.
		Config *config.Config
		// LookupEnv resolves manifest templates, variable overrides and
		// allowlisted guest environment. The default is os.LookupEnv.
		LookupEnv func(string) (string, bool)
		// Args are appended to every command trigger's arguments.
		Args []string
		// Stdout and Stderr receive command trigger output.
		Stdout io.Writer
		Stderr io.Writer
		// HTTPClient serves guest http_get calls and url component sources.
		HTTPClient *http.Client
		// SQS replaces the client built from the sqs configuration.
		SQS    trigger.SQSAPI
		Logger *log.Logger
	}

	// ExecRequest is a one-shot invocation outside the task's triggers.
	ExecRequest struct {
		Component string
		Args      []string
		Payload   []byte
		Env       map[string]string
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// Status is a snapshot of a task.
	Status struct {
		ID       string
		Bundle   string
		State    State
		Pid      int
		ExitCode types.ExitCode
		// CreateErr is set when creation failed.
		CreateErr error
	}
)
