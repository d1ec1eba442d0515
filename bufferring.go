//go:build linux

package ioengine

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nyxio/ioengine/internal/sys"
)

// bufferRing is one registered provided-buffer pool: a kernel-shared ring
// of count fixed-size buffers, all addressed by a dense, Ring-assigned
// buffer-group id.
type bufferRing struct {
	bgid    uint16
	header  []byte // anonymous-mapped io_uring_buf_ring region
	hdr     *sys.BufRing
	mask    uint16
	entries uint16
	size    uint32
	backing []byte // count*size contiguous payload storage
}

// SetupBufferRing provisions a kernel-registered buffer pool of count
// buffers of size bytes each, for use by a multishot read. It implements
// the eight-step sequence of Component D: map, initialise, register,
// allocate backing storage, publish every buffer, advance the tail, and
// return the assigned buffer-group id.
func (r *Ring) SetupBufferRing(count, size int) (uint16, error) {
	if r.closed {
		return 0, ErrRingClosed
	}
	if len(r.bufferRings) >= sys.BufferRingMaxCount {
		return 0, ErrTooManyBufferRings
	}
	if count <= 0 || count&(count-1) != 0 {
		return 0, errors.Wrap(ErrBadArgument, "buffer ring count must be a power of two")
	}

	headerSize := count * int(unsafe.Sizeof(sys.Buf{}))
	header, err := sys.Mmap(-1, 0, headerSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrap(ErrMapFailed, err.Error())
	}

	bgid := uint16(len(r.bufferRings))
	hdr := (*sys.BufRing)(unsafe.Pointer(&header[0]))

	reg := sys.BufRingSetup{
		BGid:     bgid,
		Nentries: uint32(count),
		RingAddr: uint64(uintptr(unsafe.Pointer(&header[0]))),
	}
	if err := sys.RegisterPBufRing(r.q.Fd(), &reg); err != nil {
		sys.Munmap(header)
		return 0, errors.Wrapf(err, "register buffer ring bgid=%d", bgid)
	}

	backing := make([]byte, count*size)

	br := &bufferRing{
		bgid:    bgid,
		header:  header,
		hdr:     hdr,
		mask:    sys.BufRingMask(uint32(count)),
		entries: uint16(count),
		size:    uint32(size),
		backing: backing,
	}

	for i := 0; i < count; i++ {
		addr := uint64(uintptr(unsafe.Pointer(&backing[i*size])))
		sys.BufRingAdd(br.hdr, br.mask, addr, uint32(size), uint16(i), uint16(i))
	}
	sys.BufRingAdvance(br.hdr, uint16(count))

	r.bufferRings = append(r.bufferRings, br)
	r.logger.Debug("buffer ring registered", "bgid", bgid, "count", count, "size", size)

	return bgid, nil
}

// recycleBuffer re-adds buffer bid to its ring and advances the tail by
// one, making it available to the kernel again.
func (r *Ring) recycleBuffer(br *bufferRing, bid uint16) {
	off := uint32(bid) * br.size
	addr := uint64(uintptr(unsafe.Pointer(&br.backing[off])))
	sys.BufRingAdd(br.hdr, br.mask, addr, br.size, bid, 0)
	sys.BufRingAdvance(br.hdr, 1)
}

// teardownBufferRing unregisters and unmaps a single buffer ring.
func (r *Ring) teardownBufferRing(br *bufferRing) {
	if err := sys.UnregisterPBufRing(r.q.Fd(), br.bgid); err != nil {
		r.logger.Warn("unregister buffer ring failed", "bgid", br.bgid, "err", err)
	}
	if err := sys.Munmap(br.header); err != nil {
		r.logger.Warn("unmap buffer ring header failed", "bgid", br.bgid, "err", err)
	}
}
