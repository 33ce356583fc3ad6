// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// The metrics package provides helpers around the prometheus Go library for
// defining and exposing calltrace metrics.
//
// `Group` is a sub-registry of the root registry. Subsystems register their
// collectors into a group, together with a function initializing label values
// known upfront, so that series exist from startup on.
package metrics
