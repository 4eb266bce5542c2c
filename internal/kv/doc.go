// SPDX-License-Identifier: MPL-2.0

// Package kv provides the key/value stores components declare through
// key_value_stores. They are the only state that survives between
// invocations.
package kv
