// SPDX-License-Identifier: MPL-2.0

package serverbase

import "fmt"

// State is a dispatcher lifecycle state. States only move forward:
//
//	Created -> Starting -> Running -> Stopping -> Stopped
//	              |           |
//	              +-----------+------------------> Failed
//
// A dispatcher stopped before Start goes from Created straight to Stopped.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	// StateStopping means no new events are accepted and in-flight
	// invocations are draining.
	StateStopping
	StateStopped
	// StateFailed means Start failed or the event loop died.
	StateFailed
)

var stateNames = [...]string{
	StateCreated:  "created",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateFailed:   "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Live reports whether the dispatcher may be handling events.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}
