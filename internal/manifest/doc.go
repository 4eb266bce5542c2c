// SPDX-License-Identifier: MPL-2.0

// Package manifest loads application manifests.
//
// A manifest (wasmshim.toml, spin.toml or app.cue) declares the application's
// components, the triggers that route events to them and the variables their
// configuration is templated from. Load validates the whole document against
// an embedded CUE schema, resolves {{ env.NAME }} and {{ variable }}
// templates, and returns an immutable App. Any failure rejects the manifest
// as a whole with a *ManifestError.
package manifest
