// Package pool implements a recycling pool of fixed-size device
// buffers keyed by size class. Freed buffers are reused before new
// ones are allocated, and every handle carries a generation stamp so
// that releasing a handle twice, or using one from a torn-down pool,
// is a checked error instead of silent memory corruption.
//
// The pool is driven by a single render loop: Allocate, Release, and
// Destroy must be serialized by the caller (typically by confining the
// pool to one render goroutine). Stats may be read from any goroutine.
//
// Reused buffers are NOT zeroed: buffer contents after Allocate are
// backend-dependent, and callers must fully overwrite any region they
// read back. Callers must also not release a buffer before the device
// has finished consuming it in a submitted pass; the pool cannot
// detect premature release on its own.
package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// Pool errors. All are recoverable by the caller: retry with a smaller
// size, free other buffers, or fix the offending call site.
var (
	// ErrInvalidSize is returned when allocating zero bytes.
	ErrInvalidSize = errors.New("pool: invalid buffer size")

	// ErrDeviceOutOfMemory is returned when the device cannot satisfy
	// an allocation. The underlying device error is wrapped.
	ErrDeviceOutOfMemory = errors.New("pool: device out of memory")

	// ErrDoubleRelease is returned when releasing a handle whose
	// generation no longer matches the pool's slot, i.e. the handle
	// was already released (and possibly reissued).
	ErrDoubleRelease = errors.New("pool: buffer already released")

	// ErrPoolClosed is returned for operations on a destroyed pool.
	ErrPoolClosed = errors.New("pool: pool destroyed")
)

// MinBlockSize is the smallest size class in bytes. Requests below it
// are rounded up, which bounds the number of free lists and keeps tiny
// allocations recyclable.
const MinBlockSize = 256

// Backing is an opaque device buffer owned by the pool. The concrete
// type is chosen by the Allocator (a HAL buffer for accelerated tiers,
// a byte slice for the software tier).
type Backing any

// Allocator creates and releases backing buffers on behalf of the
// pool. Backend tiers implement it over their device handle.
type Allocator interface {
	// AllocateBuffer creates a device buffer of exactly size bytes.
	AllocateBuffer(label string, size uint64) (Backing, error)

	// ReleaseBuffer frees a buffer previously returned by
	// AllocateBuffer.
	ReleaseBuffer(b Backing)

	// MaxBufferSize is the largest single allocation the device
	// supports.
	MaxBufferSize() uint64
}

// Handle is a checked-out reference to one pooled buffer. The zero
// Handle is invalid. Handles are value types: copying one does not
// duplicate the checkout.
type Handle struct {
	pool       uint64
	slot       int
	generation uint64
	size       uint64
}

// Size returns the rounded size-class capacity of the buffer in
// bytes. At least the requested allocation size.
func (h Handle) Size() uint64 { return h.size }

// Valid reports whether the handle was issued by a pool. It does not
// check whether the handle is still checked out; see [Pool.Holds].
func (h Handle) Valid() bool { return h.pool != 0 }

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	// Allocations counts successful Allocate calls, including reuses.
	Allocations uint64

	// Deallocations counts successful Release calls.
	Deallocations uint64

	// Reuses counts Allocate calls served from a free list without
	// touching the device.
	Reuses uint64

	// BytesAllocated is the total backing memory held by the pool,
	// free lists included. It only grows while the pool is live and
	// drops to zero on Destroy.
	BytesAllocated uint64

	// Outstanding is the number of currently checked-out buffers.
	Outstanding int

	// FreeBuffers is the number of buffers parked on free lists.
	FreeBuffers int
}

// slot is the pool-side record for one backing buffer.
type slot struct {
	backing    Backing
	generation uint64
	class      int
	checkedOut bool
}

// poolIDs issues unique pool identities so handles can be traced back
// to the pool that minted them.
var poolIDs atomic.Uint64

// Pool recycles fixed-size device buffers across frames. Create one
// per render session with [New]; Destroy it when the session is torn
// down.
type Pool struct {
	id    uint64
	alloc Allocator

	mu     sync.Mutex
	slots  []slot
	free   map[int][]int // class index -> free slot indices, LIFO
	closed bool

	allocations   atomic.Uint64
	deallocations atomic.Uint64
	reuses        atomic.Uint64
	bytes         atomic.Uint64
	outstanding   atomic.Int64
}

// New creates an empty pool allocating through alloc.
func New(alloc Allocator) *Pool {
	return &Pool{
		id:    poolIDs.Add(1),
		alloc: alloc,
		free:  map[int][]int{},
	}
}

// ID returns the pool's unique identity.
func (p *Pool) ID() uint64 { return p.id }

// classFor maps a request size to its size class: power-of-two buckets
// with a MinBlockSize floor. The mapping is deterministic and
// monotonic in size.
func classFor(size uint64) (index int, rounded uint64) {
	if size <= MinBlockSize {
		return 0, MinBlockSize
	}
	shift := bits.Len64(size - 1)
	if shift == 64 {
		// Above 1<<63 no power-of-two class exists in uint64.
		return -1, 0
	}
	rounded = uint64(1) << shift
	index = bits.Len64(rounded) - bits.Len64(MinBlockSize)
	return index, rounded
}

// ClassSize returns the size-class capacity a request of size bytes
// maps to, or 0 when size exceeds the largest representable class
// (such requests always fail to allocate). Exposed so callers can size
// batches to class boundaries.
func ClassSize(size uint64) uint64 {
	_, rounded := classFor(size)
	return rounded
}

// Allocate checks out a buffer of at least size bytes, reusing a freed
// buffer of the same size class when one exists. The buffer contents
// are undefined.
func (p *Pool) Allocate(size uint64) (Handle, error) {
	if size == 0 {
		return Handle{}, ErrInvalidSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Handle{}, ErrPoolClosed
	}

	class, rounded := classFor(size)
	if rounded == 0 || rounded > p.alloc.MaxBufferSize() {
		return Handle{}, fmt.Errorf("%w: %d bytes exceeds device limit %d",
			ErrDeviceOutOfMemory, size, p.alloc.MaxBufferSize())
	}

	if list := p.free[class]; len(list) > 0 {
		idx := list[len(list)-1]
		p.free[class] = list[:len(list)-1]
		s := &p.slots[idx]
		s.generation++
		s.checkedOut = true
		p.allocations.Add(1)
		p.reuses.Add(1)
		p.outstanding.Add(1)
		return Handle{pool: p.id, slot: idx, generation: s.generation, size: rounded}, nil
	}

	backing, err := p.alloc.AllocateBuffer(fmt.Sprintf("pool_buf_c%d", class), rounded)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrDeviceOutOfMemory, err)
	}
	p.slots = append(p.slots, slot{
		backing:    backing,
		generation: 1,
		class:      class,
		checkedOut: true,
	})
	p.allocations.Add(1)
	p.bytes.Add(rounded)
	p.outstanding.Add(1)
	return Handle{pool: p.id, slot: len(p.slots) - 1, generation: 1, size: rounded}, nil
}

// Release returns a checked-out buffer to its size class's free list.
// Releasing a handle twice, or a handle whose slot has since been
// reissued, fails with ErrDoubleRelease.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if h.pool != p.id || h.slot < 0 || h.slot >= len(p.slots) {
		return fmt.Errorf("%w: handle does not belong to this pool", ErrDoubleRelease)
	}
	s := &p.slots[h.slot]
	if !s.checkedOut || s.generation != h.generation {
		return fmt.Errorf("%w: slot %d generation %d", ErrDoubleRelease, h.slot, h.generation)
	}
	s.checkedOut = false
	p.free[s.class] = append(p.free[s.class], h.slot)
	p.deallocations.Add(1)
	p.outstanding.Add(-1)
	return nil
}

// Holds reports whether h is currently checked out of this pool under
// its current generation. False for released handles, handles from
// other pools, and handles that survived a Destroy.
func (p *Pool) Holds(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || h.pool != p.id || h.slot < 0 || h.slot >= len(p.slots) {
		return false
	}
	s := &p.slots[h.slot]
	return s.checkedOut && s.generation == h.generation
}

// Backing returns the device buffer behind a checked-out handle.
func (p *Pool) Backing(h Handle) (Backing, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || h.pool != p.id || h.slot < 0 || h.slot >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.slot]
	if !s.checkedOut || s.generation != h.generation {
		return nil, false
	}
	return s.backing, true
}

// Stats returns a snapshot of pool activity. Safe to call from any
// goroutine.
func (p *Pool) Stats() Stats {
	free := 0
	p.mu.Lock()
	for _, list := range p.free {
		free += len(list)
	}
	p.mu.Unlock()
	return Stats{
		Allocations:    p.allocations.Load(),
		Deallocations:  p.deallocations.Load(),
		Reuses:         p.reuses.Load(),
		BytesAllocated: p.bytes.Load(),
		Outstanding:    int(p.outstanding.Load()),
		FreeBuffers:    free,
	}
}

// Destroy releases every backing buffer, checked out or not, and
// closes the pool. All outstanding handles become stale. Safe to call
// more than once.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for i := range p.slots {
		if p.slots[i].backing != nil {
			p.alloc.ReleaseBuffer(p.slots[i].backing)
			p.slots[i].backing = nil
		}
	}
	p.slots = nil
	p.free = map[int][]int{}
	p.closed = true
	p.bytes.Store(0)
	p.outstanding.Store(0)
}
