// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by package tests. Integration
// tests that need a container provider go through RequireContainers;
// guest modules are assembled by the wasmtest subpackage.
package testutil
