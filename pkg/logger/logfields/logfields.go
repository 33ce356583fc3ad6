// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package logfields

const (
	// LogSubsys is the field denoting the subsystem when logging
	LogSubsys = "subsys"

	// Error is the Go error
	Error = "error"

	// PacketID is the id of a trace packet
	PacketID = "packetID"

	// Kind is a call kind
	Kind = "kind"

	// Call is a call name
	Call = "call"

	// Handle is a handle value
	Handle = "handle"

	// HandleType is a handle type name
	HandleType = "handleType"

	// Session is a capture session id
	Session = "session"

	Estimated = "estimated"
	Observed  = "observed"
	Embedded  = "embedded"

	Result   = "result"
	Expected = "expected"

	// Path is a file path
	Path = "path"

	// Address is a network address
	Address = "address"
)
