//go:build linux

package ioengine

import "time"

// Op tags the kind of operation an OpContext/Spec describes.
type Op uint8

const (
	OpNop Op = iota
	OpAccept
	OpCancel
	OpClose
	OpEmit
	OpRead
	OpWrite
	OpTimeout
)

// String renders the op the way a completion's spec.op field is reported.
func (o Op) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpAccept:
		return "accept"
	case OpCancel:
		return "cancel"
	case OpClose:
		return "close"
	case OpEmit:
		return "emit"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Signal is a synthetic value carried by an emit Spec.
type Signal uint8

const (
	SignalNone Signal = iota
	SignalStop
)

// Spec is the operation descriptor. It replaces the dynamically-typed
// key/value mapping of the original design (see Design Notes §9 in
// SPEC_FULL.md) with a single struct carrying every field any operation
// might need; each PrepX validates only the subset its row in §4.E.3
// requires, and the Ring overwrites ID/Op/Result itself.
type Spec struct {
	ID     uint64
	Op     Op
	Result int32

	Fd           int
	Buffer       []byte
	BufferOffset int
	Len          int
	BufferGroup  uint16
	Multishot    bool
	UTF8         bool
	Interval     time.Duration
	Signal       Signal

	// Callback is invoked with the completed Spec once per CQE (once for
	// one-shot operations, once per arrival for multishot operations).
	// It may be nil; ProcessCompletions also accepts an inline consumer
	// that takes precedence over this field for a single call.
	// WaitForCompletion returns the spec without invoking it.
	Callback func(*Spec)
}
