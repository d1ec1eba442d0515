//go:build linux

package ioengine

import "github.com/nyxio/ioengine/internal/sys"

// opContext is the per-submission record that must survive kernel
// turn-around. The kernel's C union of scratch fields (timespec, sockaddr,
// read metadata) is represented here as plain optional fields, the same
// way internal/sys.SQE represents the kernel's own unions as flat fields
// with named accessor methods rather than as a Go union type (Go has
// none).
//
// A *opContext is heap-allocated once in a PrepX call and never copied or
// reallocated afterward: the pending-op table stores the pointer, and
// Go's garbage collector never moves a live heap object, so any address
// taken from ts or sockaddr stays valid for as long as the kernel needs it.
type opContext struct {
	op       Op
	spec     *Spec
	callback func(*Spec)

	// timeout scratch
	ts *sys.Timespec

	// accept scratch
	sockaddr [128]byte
	addrLen  uint32

	// read scratch
	readBufferGroup uint16
	readMultishot   bool
	readOffset      int

	// emit scratch
	stopSignal bool
}

// pendingOps is the single-owner table from submission-id to opContext.
// It requires no locking: per the concurrency model, all Ring methods are
// invoked by a single executor at a time.
type pendingOps map[uint64]*opContext

func (p pendingOps) insert(id uint64, ctx *opContext) {
	p[id] = ctx
}

func (p pendingOps) lookup(id uint64) (*opContext, bool) {
	ctx, ok := p[id]
	return ctx, ok
}

func (p pendingOps) delete(id uint64) {
	delete(p, id)
}
