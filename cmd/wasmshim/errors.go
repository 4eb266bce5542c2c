// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/dag"
	"github.com/invowk/wasmshim/internal/issue"
	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/shim"
	"github.com/invowk/wasmshim/internal/store"
	"github.com/invowk/wasmshim/internal/trigger"
	"github.com/invowk/wasmshim/pkg/types"
)

// explain attaches an issue page and remediation hints to err. Errors that
// already carry them pass through.
func explain(op, resource string, err error) error {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}

	ec := issue.NewErrorContext().WithOperation(op).WithResource(resource).Wrap(err)
	var cycle *dag.CycleError
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		ec.WithIssue(issue.ManifestNotFoundId).
			WithSuggestion("Pass the manifest file itself instead of the bundle directory")
	case errors.As(err, &cycle):
		ec.WithIssue(issue.VariableCycleId)
	case errors.Is(err, manifest.ErrLoad), errors.Is(err, manifest.ErrInvalidTriggerKind):
		ec.WithIssue(issue.ManifestInvalidId).
			WithSuggestion("Run 'wasmshim validate' on the bundle for the full report")
	case errors.Is(err, config.ErrInvalidConfig):
		ec.WithIssue(issue.ConfigInvalidId).
			WithSuggestion("Run 'wasmshim config show' to inspect the effective values")
	case errors.Is(err, store.ErrResolve):
		ec.WithIssue(issue.ComponentResolveFailedId)
	case errors.Is(err, trigger.ErrDispatchStart):
		ec.WithIssue(issue.TriggerStartFailedId)
	case errors.Is(err, shim.ErrTaskNotFound):
		ec.WithIssue(issue.TaskNotFoundId)
	}
	return ec.BuildError()
}

// createExitCode returns the reserved code recorded by a failed create.
func createExitCode(err error) types.ExitCode {
	var ce *shim.CreateError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return types.ExitFailure
}
