//go:build linux

package ioengine

import (
	"syscall"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/nyxio/ioengine/internal/sys"
	"github.com/nyxio/ioengine/internal/transport"
)

// ringConfig accumulates Option values before New builds the underlying
// transport.Queue.
type ringConfig struct {
	initialEntries uint32
	minEntries     uint32
	logger         *log.Logger
	extraFlags     uint32
}

// Option configures a Ring at construction time. This generalizes the
// transport package's own functional-options pattern one layer up: where
// transport.Option mutates raw io_uring_params, ioengine.Option mutates
// the façade's own retry/logging policy.
type Option func(*ringConfig)

// WithInitialEntries sets the SQ/CQ capacity New first attempts (default
// 1024, per §4.E.1).
func WithInitialEntries(n uint32) Option {
	return func(c *ringConfig) { c.initialEntries = n }
}

// WithMinEntries sets the floor New halves down to on ENOMEM before giving
// up (default 64, per §4.E.1).
func WithMinEntries(n uint32) Option {
	return func(c *ringConfig) { c.minEntries = n }
}

// WithSetupFlags ORs additional io_uring_setup flags in, on top of the
// SUBMIT_ALL/COOP_TASKRUN flags New requests when the kernel supports them.
func WithSetupFlags(flags uint32) Option {
	return func(c *ringConfig) { c.extraFlags |= flags }
}

// Ring is the façade described in Component E: it owns the kernel
// io_uring instance, mints submission-ids, maintains the pending-op
// table, and drives completion processing.
type Ring struct {
	q *transport.Queue

	opCounter       uint64
	unsubmittedSQEs int
	pending         pendingOps
	bufferRings     []*bufferRing
	stopRequested   bool
	closed          bool

	logger *log.Logger
}

// New creates and initialises a Ring. It attempts the configured initial
// SQ/CQ capacity (default 1024); on ENOMEM it halves the request and
// retries down to the configured floor (default 64), matching §4.E.1.
// Any other setup error is fatal.
func New(opts ...Option) (*Ring, error) {
	cfg := ringConfig{
		initialEntries: 1024,
		minEntries:     64,
		logger:         defaultLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	flags := sys.IORING_SETUP_SUBMIT_ALL | sys.IORING_SETUP_COOP_TASKRUN | cfg.extraFlags
	entries := cfg.initialEntries

	for {
		q, err := transport.New(entries, transport.WithFlags(flags))
		if errors.Is(err, syscall.EINVAL) && flags != cfg.extraFlags {
			// The kernel rejects setup flags it does not know; retry
			// without the default SUBMIT_ALL/COOP_TASKRUN pair.
			flags = cfg.extraFlags
			continue
		}
		if err == nil {
			r := &Ring{
				q:       q,
				pending: make(pendingOps),
				logger:  cfg.logger,
			}
			r.logger.Debug("ring initialised", "entries", entries)
			return r, nil
		}
		if !errors.Is(err, syscall.ENOMEM) || entries <= cfg.minEntries {
			return nil, errors.Wrap(err, "ioengine: ring init")
		}
		entries /= 2
		if entries < cfg.minEntries {
			entries = cfg.minEntries
		}
		cfg.logger.Warn("retrying ring setup after ENOMEM", "entries", entries)
	}
}

// Close tears down every registered buffer ring, then the kernel ring
// itself. Idempotent.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	for _, br := range r.bufferRings {
		r.teardownBufferRing(br)
	}
	err := r.q.Close()
	r.closed = true
	return err
}

// Closed reports whether the Ring has been closed.
func (r *Ring) Closed() bool {
	return r.closed
}

// PendingOps returns a snapshot of the submission-ids currently awaiting
// completion, keyed to their specs, for inspection and testing. Mutating
// the returned map does not affect the Ring.
func (r *Ring) PendingOps() map[uint64]*Spec {
	out := make(map[uint64]*Spec, len(r.pending))
	for id, ctx := range r.pending {
		out[id] = ctx.spec
	}
	return out
}

func (r *Ring) nextID() uint64 {
	r.opCounter++
	return r.opCounter
}

func (r *Ring) checkOpen() error {
	if r.closed {
		return ErrRingClosed
	}
	return nil
}

func wrapSQErr(err error) error {
	if errors.Is(err, transport.ErrSQFull) {
		return ErrRingFull
	}
	return err
}

// Submit flushes every SQE prepared since the last Submit (or
// auto-submitting ProcessCompletions call). It is a no-op when nothing is
// pending.
func (r *Ring) Submit() (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if r.unsubmittedSQEs == 0 {
		return 0, nil
	}
	n, err := r.q.Submit()
	if err != nil {
		return 0, errors.Wrap(err, "ioengine: submit")
	}
	r.unsubmittedSQEs = 0
	return n, nil
}

// PrepNop prepares a no-op, useful for round-trip tests and as the
// mechanism Emit builds on.
func (r *Ring) PrepNop(cb func(*Spec)) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	id := r.nextID()
	if err := r.q.PrepNop(id); err != nil {
		return 0, wrapSQErr(err)
	}
	spec := &Spec{ID: id, Op: OpNop, Callback: cb}
	r.pending.insert(id, &opContext{op: OpNop, spec: spec, callback: cb})
	r.unsubmittedSQEs++
	return id, nil
}

// Emit submits a synchronous nop carrying spec, immediately submitting it
// (rather than waiting for the caller's next Submit). A spec carrying
// Signal == SignalStop causes ProcessCompletionsLoop to exit once this
// completion is processed.
func (r *Ring) Emit(spec *Spec) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if spec == nil {
		spec = &Spec{}
	}
	id := r.nextID()
	if err := r.q.PrepNop(id); err != nil {
		return 0, wrapSQErr(err)
	}
	spec.ID = id
	spec.Op = OpEmit
	ctx := &opContext{op: OpEmit, spec: spec, callback: spec.Callback, stopSignal: spec.Signal == SignalStop}
	r.pending.insert(id, ctx)
	r.unsubmittedSQEs++
	if _, err := r.Submit(); err != nil {
		return id, err
	}
	return id, nil
}

// PrepClose prepares a close(fd) operation.
func (r *Ring) PrepClose(fd int, cb func(*Spec)) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	id := r.nextID()
	if err := r.q.PrepClose(fd, id); err != nil {
		return 0, wrapSQErr(err)
	}
	spec := &Spec{ID: id, Op: OpClose, Fd: fd, Callback: cb}
	r.pending.insert(id, &opContext{op: OpClose, spec: spec, callback: cb})
	r.unsubmittedSQEs++
	return id, nil
}

// PrepCancel prepares an async-cancel of the submission identified by
// targetID.
func (r *Ring) PrepCancel(targetID uint64, cb func(*Spec)) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	id := r.nextID()
	if err := r.q.PrepCancel(targetID, 0, id); err != nil {
		return 0, wrapSQErr(err)
	}
	spec := &Spec{ID: id, Op: OpCancel, Callback: cb}
	r.pending.insert(id, &opContext{op: OpCancel, spec: spec, callback: cb})
	r.unsubmittedSQEs++
	return id, nil
}

// PrepAccept prepares an accept operation on spec.Fd. If spec.Multishot is
// set, every accepted connection generates its own completion until the
// operation is cancelled or errors.
func (r *Ring) PrepAccept(spec *Spec) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if spec == nil {
		return 0, errors.Wrap(ErrMissingArgument, "spec")
	}
	// fd 0 is a legitimate accept target (e.g. stdin re-bound to a
	// listening socket); an absent/invalid fd is instead surfaced as a
	// negative result (EBADF) on the completion, like PrepRead/PrepWrite.
	id := r.nextID()
	ctx := &opContext{op: OpAccept, spec: spec, callback: spec.Callback}
	ctx.addrLen = uint32(len(ctx.sockaddr))

	var err error
	if spec.Multishot {
		err = r.q.PrepAcceptMultishot(spec.Fd, unsafe.Pointer(&ctx.sockaddr[0]), &ctx.addrLen, 0, id)
	} else {
		err = r.q.PrepAccept(spec.Fd, unsafe.Pointer(&ctx.sockaddr[0]), &ctx.addrLen, 0, id)
	}
	if err != nil {
		return 0, wrapSQErr(err)
	}

	spec.ID = id
	spec.Op = OpAccept
	r.pending.insert(id, ctx)
	r.unsubmittedSQEs++
	return id, nil
}

// PrepRead prepares a read. When spec.Multishot is set, spec.BufferGroup
// must name a buffer ring already returned by SetupBufferRing, and reads
// are delivered one completion per arriving chunk until cancelled. For a
// one-shot read, spec.Buffer/spec.Len (and optionally spec.BufferOffset,
// which may be negative, counted from end+1) describe the target region.
func (r *Ring) PrepRead(spec *Spec) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if spec == nil {
		return 0, errors.Wrap(ErrMissingArgument, "spec")
	}

	id := r.nextID()
	ctx := &opContext{op: OpRead, spec: spec, callback: spec.Callback}

	if spec.Multishot {
		if int(spec.BufferGroup) >= len(r.bufferRings) {
			return 0, errors.Wrap(ErrBadArgument, "buffer_group")
		}
		ctx.readMultishot = true
		ctx.readBufferGroup = spec.BufferGroup
		if err := r.q.PrepReadMultishot(spec.Fd, spec.BufferGroup, id); err != nil {
			return 0, wrapSQErr(err)
		}
	} else {
		if spec.Buffer == nil || spec.Len == 0 {
			return 0, errors.Wrap(ErrMissingArgument, "buffer/len")
		}
		writeAt := spec.BufferOffset
		if writeAt < 0 {
			writeAt = len(spec.Buffer) + writeAt + 1
			if writeAt < 0 {
				writeAt = 0
			}
		}
		needed := writeAt + spec.Len
		if cap(spec.Buffer) < needed {
			grown := make([]byte, needed)
			copy(grown, spec.Buffer)
			spec.Buffer = grown
		} else if len(spec.Buffer) < needed {
			spec.Buffer = spec.Buffer[:needed]
		}
		ctx.readOffset = writeAt
		if err := r.q.PrepRead(spec.Fd, spec.Buffer[writeAt:writeAt+spec.Len], 0, id); err != nil {
			return 0, wrapSQErr(err)
		}
	}

	spec.ID = id
	spec.Op = OpRead
	r.pending.insert(id, ctx)
	r.unsubmittedSQEs++
	return id, nil
}

// PrepWrite prepares a write of spec.Buffer[:spec.Len] (spec.Len defaults
// to len(spec.Buffer)) to spec.Fd.
func (r *Ring) PrepWrite(spec *Spec) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if spec == nil || len(spec.Buffer) == 0 {
		return 0, errors.Wrap(ErrMissingArgument, "buffer")
	}
	length := spec.Len
	if length == 0 {
		length = len(spec.Buffer)
	}
	if length > len(spec.Buffer) {
		return 0, errors.Wrap(ErrBadArgument, "len exceeds buffer")
	}

	id := r.nextID()
	if err := r.q.PrepWrite(spec.Fd, spec.Buffer[:length], 0, id); err != nil {
		return 0, wrapSQErr(err)
	}

	spec.ID = id
	spec.Op = OpWrite
	ctx := &opContext{op: OpWrite, spec: spec, callback: spec.Callback}
	r.pending.insert(id, ctx)
	r.unsubmittedSQEs++
	return id, nil
}

// PrepTimeout prepares a timeout that fires after spec.Interval. If
// spec.Multishot is set, the timeout re-arms itself after each firing.
func (r *Ring) PrepTimeout(spec *Spec) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if spec == nil || spec.Interval <= 0 {
		return 0, errors.Wrap(ErrMissingArgument, "interval")
	}

	id := r.nextID()
	ctx := &opContext{op: OpTimeout, spec: spec, callback: spec.Callback}
	ts := FromDuration(spec.Interval)
	ctx.ts = &ts

	var flags uint32
	if spec.Multishot {
		flags |= sys.IORING_TIMEOUT_MULTISHOT
	}
	if err := r.q.PrepTimeout(ctx.ts, 0, flags, id); err != nil {
		return 0, wrapSQErr(err)
	}

	spec.ID = id
	spec.Op = OpTimeout
	r.pending.insert(id, ctx)
	r.unsubmittedSQEs++
	return id, nil
}
