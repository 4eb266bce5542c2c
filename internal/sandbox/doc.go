// SPDX-License-Identifier: MPL-2.0

// Package sandbox runs one component invocation per event.
//
// Every invocation instantiates a fresh anonymous module from a compiled
// artifact, so no linear memory is shared between invocations. The module
// is closed before Invoke returns.
//
// Interruption is cooperative. wazero checks the invocation context at
// function entry and loop headers; the wall-clock timeout, the step budget
// and shutdown cancellation all work by cancelling that context with a
// cause. One step is one guest function call, counted by a function
// listener compiled into metered artifacts.
//
// Host functions in the "wasmshim" module check capabilities before doing
// any work. A refused call ends the invocation with CapabilityDenied.
// Other host failures are reported to the guest as negative results:
//
//	-1  not found
//	-3  output buffer too small
//	-4  backend error
//	-5  invalid argument
package sandbox
