//go:build linux

package ioengine

import (
	"github.com/nyxio/ioengine/internal/sys"
)

// getCQEContext resolves a raw CQE to its opContext and Spec, implementing
// §4.E.5 step-by-step: an unrecognised user_data synthesizes a bare
// {id, result} spec rather than panicking, since a cancel of an
// already-completed op (or a completion racing a Close) is ordinary.
func (r *Ring) getCQEContext(userData uint64, res int32, flags uint32) (*opContext, *Spec) {
	ctx, ok := r.pending.lookup(userData)
	if !ok {
		return nil, &Spec{ID: userData, Result: res}
	}

	switch ctx.op {
	case OpRead:
		r.postProcessRead(ctx, res, flags)
	case OpEmit:
		if ctx.stopSignal {
			r.stopRequested = true
		}
	}

	if flags&sys.IORING_CQE_F_MORE == 0 {
		r.pending.delete(userData)
	}

	ctx.spec.Result = res
	return ctx, ctx.spec
}

// postProcessRead implements §4.E.6: buffer-ring delivery materialises a
// fresh slice and recycles the kernel buffer; a classic read resizes the
// caller's own buffer in place.
func (r *Ring) postProcessRead(ctx *opContext, res int32, flags uint32) {
	if res < 0 {
		return
	}

	if flags&sys.IORING_CQE_F_BUFFER != 0 {
		bufIdx := uint16(flags >> sys.IORING_CQE_BUFFER_SHIFT)
		br := r.bufferRings[ctx.readBufferGroup]

		var data []byte
		if res > 0 {
			off := uint32(bufIdx) * br.size
			data = make([]byte, res)
			copy(data, br.backing[off:off+uint32(res)])
		}
		ctx.spec.Buffer = data

		r.recycleBuffer(br, bufIdx)
		return
	}

	ofs := ctx.readOffset
	if ofs < 0 {
		ofs = len(ctx.spec.Buffer) + ofs + 1
	}
	newLen := int(res) + ofs
	if newLen < 0 {
		newLen = 0
	}
	if newLen > len(ctx.spec.Buffer) {
		newLen = len(ctx.spec.Buffer)
	}
	ctx.spec.Buffer = ctx.spec.Buffer[:newLen]
}

// processCQE implements §4.E.5's consumer-precedence rule: an inline
// consumer, if supplied, takes priority over the context's own callback.
func (r *Ring) processCQE(userData uint64, res int32, flags uint32, consume func(*Spec)) {
	ctx, spec := r.getCQEContext(userData, res, flags)

	switch {
	case consume != nil:
		consume(spec)
	case ctx != nil && ctx.callback != nil:
		ctx.callback(spec)
	}
}

// drain implements the drain loop of §4.E.5: iterate every currently
// visible CQE, then check for kernel-side overflow and iterate once more
// if any was pending. Stops early once a stop-emit has been observed.
func (r *Ring) drain(consume func(*Spec)) int {
	total := 0

	for {
		n := r.q.ForEachCQE(func(userData uint64, res int32, flags uint32) bool {
			r.processCQE(userData, res, flags, consume)
			total++
			return !r.stopRequested
		})

		if r.stopRequested {
			break
		}
		if n == 0 && !r.q.CQOverflowPending() {
			break
		}
		if r.q.CQOverflowPending() {
			if _, err := r.q.SubmitAndWait(0); err != nil {
				break
			}
			continue
		}
		break
	}

	return total
}

// ProcessCompletions auto-submits pending SQEs, optionally blocks for the
// first completion, then drains every CQE currently available. It returns
// the total number of completions processed. Pass a non-nil consume to
// receive every processed spec inline instead of via each op's callback.
func (r *Ring) ProcessCompletions(wait bool, consume func(*Spec)) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if _, err := r.Submit(); err != nil {
		return 0, err
	}

	total := 0
	if wait {
		userData, res, flags, err := r.q.WaitCQE()
		if err != nil {
			if isRetryableWaitErr(err) {
				return total, ErrWaitInterrupted
			}
			return total, err
		}
		r.q.SeenCQE()
		r.processCQE(userData, res, flags, consume)
		total++
		if r.stopRequested {
			return total, nil
		}
	}

	total += r.drain(consume)
	return total, nil
}

// ProcessCompletionsLoop drives ProcessCompletions(wait=true) indefinitely,
// returning cleanly once a stop-emit is observed.
func (r *Ring) ProcessCompletionsLoop(consume func(*Spec)) error {
	for {
		if r.closed || r.stopRequested {
			return nil
		}
		_, err := r.ProcessCompletions(true, consume)
		if err == ErrWaitInterrupted {
			continue
		}
		if err != nil {
			return err
		}
	}
}

// WaitForCompletion blocks for exactly one completion and returns its spec,
// marking the CQE seen unconditionally.
func (r *Ring) WaitForCompletion() (*Spec, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := r.Submit(); err != nil {
		return nil, err
	}

	userData, res, flags, err := r.q.WaitCQE()
	if err != nil {
		if isRetryableWaitErr(err) {
			return nil, ErrWaitInterrupted
		}
		return nil, err
	}
	r.q.SeenCQE()

	_, spec := r.getCQEContext(userData, res, flags)
	return spec, nil
}
