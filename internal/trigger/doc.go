// SPDX-License-Identifier: MPL-2.0

// Package trigger turns inbound events into sandbox invocations.
//
// Build returns one Dispatcher for all HTTP triggers (they share a
// listener) and one per redis, mqtt, sqs and command trigger. Every
// dispatcher understands the same lifecycle: Start brings its event loop
// up, Stop stops accepting, drains in-flight invocations for the grace
// period and then force-cancels what remains.
//
// Invocation failures never leave a dispatcher. HTTP maps them to error
// responses; consumers retry, dead-letter or discard; the command
// dispatcher turns them into an exit code.
package trigger
