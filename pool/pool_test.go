package pool

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

// fakeAllocator tracks allocation traffic so tests can assert which
// calls hit the device and which were served from a free list.
type fakeAllocator struct {
	allocs   int
	releases int
	limit    uint64
	failNext bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{limit: 1 << 30}
}

func (f *fakeAllocator) AllocateBuffer(label string, size uint64) (Backing, error) {
	if f.failNext {
		f.failNext = false
		return nil, errors.New("simulated device failure")
	}
	f.allocs++
	return make([]byte, size), nil
}

func (f *fakeAllocator) ReleaseBuffer(b Backing) {
	f.releases++
}

func (f *fakeAllocator) MaxBufferSize() uint64 { return f.limit }

func TestAllocateReleaseRoundTrip(t *testing.T) {
	alloc := newFakeAllocator()
	p := New(alloc)
	defer p.Destroy()

	h, err := p.Allocate(1024)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if h.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", h.Size())
	}
	if !p.Holds(h) {
		t.Error("Holds() = false for checked-out handle")
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if p.Holds(h) {
		t.Error("Holds() = true after release")
	}
}

func TestAllocateReusesFreedBuffer(t *testing.T) {
	alloc := newFakeAllocator()
	p := New(alloc)
	defer p.Destroy()

	h1, err := p.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	bytesAfterFirst := p.Stats().BytesAllocated
	if err := p.Release(h1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	h2, err := p.Allocate(4096)
	if err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}

	stats := p.Stats()
	if stats.BytesAllocated != bytesAfterFirst {
		t.Errorf("BytesAllocated = %d after reuse, want %d (no growth)",
			stats.BytesAllocated, bytesAfterFirst)
	}
	if stats.Reuses != 1 {
		t.Errorf("Reuses = %d, want 1", stats.Reuses)
	}
	if alloc.allocs != 1 {
		t.Errorf("device allocations = %d, want 1", alloc.allocs)
	}
	if !p.Holds(h2) {
		t.Error("Holds() = false for reused handle")
	}
	if p.Holds(h1) {
		t.Error("Holds() = true for superseded handle")
	}
}

func TestReuseCrossesSizesWithinClass(t *testing.T) {
	alloc := newFakeAllocator()
	p := New(alloc)
	defer p.Destroy()

	// 3000 and 4096 both land in the 4096 class.
	h, err := p.Allocate(3000)
	if err != nil {
		t.Fatalf("Allocate(3000) error = %v", err)
	}
	if h.Size() != 4096 {
		t.Fatalf("Size() = %d, want 4096", h.Size())
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := p.Allocate(4096); err != nil {
		t.Fatalf("Allocate(4096) error = %v", err)
	}
	if alloc.allocs != 1 {
		t.Errorf("device allocations = %d, want 1 (same class reuse)", alloc.allocs)
	}
}

func TestDoubleReleaseDetected(t *testing.T) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	h, err := p.Allocate(512)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := p.Release(h); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("second Release() error = %v, want ErrDoubleRelease", err)
	}

	stats := p.Stats()
	if stats.Deallocations != 1 {
		t.Errorf("Deallocations = %d, want 1", stats.Deallocations)
	}
}

func TestStaleHandleAfterReuse(t *testing.T) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	h1, _ := p.Allocate(256)
	if err := p.Release(h1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	// h2 reoccupies h1's slot with a new generation.
	h2, _ := p.Allocate(256)

	if err := p.Release(h1); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("Release(stale) error = %v, want ErrDoubleRelease", err)
	}
	if !p.Holds(h2) {
		t.Error("Holds(h2) = false, stale release must not evict the new checkout")
	}
}

func TestHandleFromOtherPoolRejected(t *testing.T) {
	p1 := New(newFakeAllocator())
	defer p1.Destroy()
	p2 := New(newFakeAllocator())
	defer p2.Destroy()

	h, err := p1.Allocate(256)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := p2.Release(h); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("Release(foreign handle) error = %v, want ErrDoubleRelease", err)
	}
	if p2.Holds(h) {
		t.Error("Holds() = true for foreign handle")
	}
}

func TestAllocateZeroSize(t *testing.T) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	if _, err := p.Allocate(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Allocate(0) error = %v, want ErrInvalidSize", err)
	}
}

func TestAllocateBeyondDeviceLimit(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.limit = 1 << 20
	p := New(alloc)
	defer p.Destroy()

	if _, err := p.Allocate(2 << 20); !errors.Is(err, ErrDeviceOutOfMemory) {
		t.Errorf("Allocate(over limit) error = %v, want ErrDeviceOutOfMemory", err)
	}
}

func TestAllocateUnroundableSize(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.limit = math.MaxUint64
	p := New(alloc)
	defer p.Destroy()

	// Rounding up to a power of two overflows uint64 for these.
	for _, size := range []uint64{1<<63 + 1, math.MaxUint64} {
		h, err := p.Allocate(size)
		if !errors.Is(err, ErrDeviceOutOfMemory) {
			t.Errorf("Allocate(%d) error = %v, want ErrDeviceOutOfMemory", size, err)
		}
		if h.Valid() {
			t.Errorf("Allocate(%d) issued a handle (size %d) alongside the error", size, h.Size())
		}
	}
	if alloc.allocs != 0 {
		t.Errorf("device allocations = %d for unroundable sizes, want 0", alloc.allocs)
	}

	// The largest representable class still rounds cleanly.
	if got := ClassSize(1 << 63); got != 1<<63 {
		t.Errorf("ClassSize(1<<63) = %d, want %d", got, uint64(1)<<63)
	}
	if got := ClassSize(1<<63 + 1); got != 0 {
		t.Errorf("ClassSize(1<<63+1) = %d, want 0", got)
	}
}

func TestAllocateDeviceFailure(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.failNext = true
	p := New(alloc)
	defer p.Destroy()

	if _, err := p.Allocate(1024); !errors.Is(err, ErrDeviceOutOfMemory) {
		t.Errorf("Allocate() error = %v, want ErrDeviceOutOfMemory", err)
	}

	// The pool stays usable after a failed allocation.
	if _, err := p.Allocate(1024); err != nil {
		t.Errorf("Allocate() after failure error = %v", err)
	}
}

func TestClassSize(t *testing.T) {
	tests := []struct {
		size uint64
		want uint64
	}{
		{1, 256},
		{255, 256},
		{256, 256},
		{257, 512},
		{512, 512},
		{1000, 1024},
		{4096, 4096},
		{4097, 8192},
		{1 << 20, 1 << 20},
	}
	for _, tt := range tests {
		if got := ClassSize(tt.size); got != tt.want {
			t.Errorf("ClassSize(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestClassSizeMonotonic(t *testing.T) {
	prev := uint64(0)
	for size := uint64(1); size <= 1<<16; size += 97 {
		got := ClassSize(size)
		if got < size {
			t.Fatalf("ClassSize(%d) = %d, smaller than request", size, got)
		}
		if got < prev {
			t.Fatalf("ClassSize(%d) = %d, decreased from %d", size, got, prev)
		}
		prev = got
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	alloc := newFakeAllocator()
	p := New(alloc)

	h1, _ := p.Allocate(256)
	h2, _ := p.Allocate(1024)
	if err := p.Release(h2); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	p.Destroy()

	if alloc.releases != 2 {
		t.Errorf("device releases = %d, want 2 (checked-out and free)", alloc.releases)
	}
	if p.Holds(h1) {
		t.Error("Holds() = true after Destroy")
	}
	stats := p.Stats()
	if stats.BytesAllocated != 0 {
		t.Errorf("BytesAllocated = %d after Destroy, want 0", stats.BytesAllocated)
	}
	if stats.Outstanding != 0 {
		t.Errorf("Outstanding = %d after Destroy, want 0", stats.Outstanding)
	}

	if _, err := p.Allocate(256); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Allocate() after Destroy error = %v, want ErrPoolClosed", err)
	}
	if err := p.Release(h1); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Release() after Destroy error = %v, want ErrPoolClosed", err)
	}

	// Destroy is idempotent.
	p.Destroy()
	if alloc.releases != 2 {
		t.Errorf("device releases = %d after second Destroy, want 2", alloc.releases)
	}
}

func TestStatsCounts(t *testing.T) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	var handles []Handle
	for i := 0; i < 4; i++ {
		h, err := p.Allocate(1024)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles[:2] {
		if err := p.Release(h); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}

	stats := p.Stats()
	if stats.Allocations != 4 {
		t.Errorf("Allocations = %d, want 4", stats.Allocations)
	}
	if stats.Deallocations != 2 {
		t.Errorf("Deallocations = %d, want 2", stats.Deallocations)
	}
	if stats.Outstanding != 2 {
		t.Errorf("Outstanding = %d, want 2", stats.Outstanding)
	}
	if stats.FreeBuffers != 2 {
		t.Errorf("FreeBuffers = %d, want 2", stats.FreeBuffers)
	}
	if stats.BytesAllocated != 4*1024 {
		t.Errorf("BytesAllocated = %d, want %d", stats.BytesAllocated, 4*1024)
	}
}

func TestBackingAccess(t *testing.T) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	h, err := p.Allocate(512)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	b, ok := p.Backing(h)
	if !ok {
		t.Fatal("Backing() ok = false for checked-out handle")
	}
	buf, ok := b.([]byte)
	if !ok {
		t.Fatalf("Backing() type = %T, want []byte", b)
	}
	if len(buf) != 512 {
		t.Errorf("backing length = %d, want 512", len(buf))
	}

	if err := p.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok := p.Backing(h); ok {
		t.Error("Backing() ok = true after release")
	}
}

func BenchmarkAllocateRelease(b *testing.B) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := p.Allocate(4096)
		if err != nil {
			b.Fatalf("Allocate() error = %v", err)
		}
		if err := p.Release(h); err != nil {
			b.Fatalf("Release() error = %v", err)
		}
	}
}

func BenchmarkAllocateMixedClasses(b *testing.B) {
	p := New(newFakeAllocator())
	defer p.Destroy()

	sizes := []uint64{256, 1024, 4096, 65536}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := p.Allocate(sizes[i%len(sizes)])
		if err != nil {
			b.Fatalf("Allocate() error = %v", err)
		}
		if err := p.Release(h); err != nil {
			b.Fatalf("Release() error = %v", err)
		}
	}
}

func ExamplePool() {
	p := New(newFakeAllocator())
	defer p.Destroy()

	h, _ := p.Allocate(1000)
	fmt.Println(h.Size())
	_ = p.Release(h)

	h2, _ := p.Allocate(1000)
	fmt.Println(p.Stats().Reuses)
	_ = p.Release(h2)
	// Output:
	// 1024
	// 1
}
