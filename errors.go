//go:build linux

package ioengine

import "errors"

// Sentinel errors surfaced by the Ring façade. Kernel errno values are
// not replaced by one of these, except EINTR/EAGAIN from a blocking wait,
// which surface as ErrWaitInterrupted. Other errno values propagate as
// syscall.Errno (some wrapped with call-site context) so callers can
// still match them with errors.Is against the stdlib syscall constants.
var (
	// ErrRingClosed is returned by any operation attempted on a closed Ring.
	ErrRingClosed = errors.New("ioengine: ring closed")

	// ErrRingFull is returned when the submission queue has no free SQE.
	ErrRingFull = errors.New("ioengine: submission queue full")

	// ErrMissingArgument is returned when a required Spec field is absent.
	ErrMissingArgument = errors.New("ioengine: missing required argument")

	// ErrBadArgument is returned when a Spec's shape does not match its
	// declared operation.
	ErrBadArgument = errors.New("ioengine: bad argument")

	// ErrTooManyBufferRings is returned when the buffer-ring registry is
	// already at its ten-ring capacity.
	ErrTooManyBufferRings = errors.New("ioengine: too many buffer rings")

	// ErrMapFailed is returned when the anonymous mmap backing a buffer
	// ring's header fails.
	ErrMapFailed = errors.New("ioengine: buffer ring map failed")

	// ErrWaitInterrupted is returned in place of an EINTR/EAGAIN from the
	// blocking-wait adapter; the errno itself is not wrapped. It is retryable: the ring state is untouched and the caller
	// may call the wait again.
	ErrWaitInterrupted = errors.New("ioengine: wait interrupted")
)
