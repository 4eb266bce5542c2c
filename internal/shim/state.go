// SPDX-License-Identifier: MPL-2.0

package shim

import "fmt"

const (
	// StateCreated is a loaded task whose triggers have not started.
	StateCreated State = iota
	// StateRunning is a task with every dispatcher accepting events.
	StateRunning
	// StateStopping is a task draining in-flight invocations.
	StateStopping
	// StateStopped is terminal; the exit code is final.
	StateStopped
)

// State is a task lifecycle state.
type State int32

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
