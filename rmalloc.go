// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package rmalloc provides in-place memory allocators that manage a
// caller-supplied byte region. Two algorithms are available behind a common
// handle: a segregated free-list allocator and a buddy (power-of-two)
// allocator. The allocator control block, the engine state and the managed
// heap all live inside the region; nothing is taken from the Go heap after
// Create returns.
package rmalloc

import (
	"unsafe"
)

const NAME = "rmalloc"

// allocatorAlign is the alignment of the control block and of the engine
// sub-region inside the backing region.
const allocatorAlign = 16

// Algorithm selects the allocation engine managing the region.
type Algorithm uint32

const (
	// SegregatedFreelist uses fixed size classes plus a large-remainder list.
	SegregatedFreelist Algorithm = iota
	// Buddy uses power-of-two blocks with buddy coalescing.
	Buddy
)

// String implements fmt.Stringer.
func (t Algorithm) String() string {
	switch t {
	case SegregatedFreelist:
		return "segregated_freelist"
	case Buddy:
		return "buddy"
	}
	return "unknown"
}

// Options encodes various configuration flags for an Allocator.
type Options uint32

const (
	// RMDumpStatsShort makes DumpStatus log only the summary lines.
	RMDumpStatsShort Options = 1 << iota
	// RMSilent suppresses corruption diagnostics on Free.
	RMSilent
	// RMDefaultOptions is the option set installed by Create.
	RMDefaultOptions Options = 0
)

// Stats contains the lifetime statistics of one managed region.
// Allocated counters include engine overhead (headers, rounding to classes
// or powers of two); Requested counters are payload bytes only.
type Stats struct {
	TotalAllocations  uint64
	TotalFrees        uint64
	FailedAllocations uint64
	CurrentAllocated  uint64
	PeakAllocated     uint64
	CurrentRequested  uint64
	PeakRequested     uint64
	// HeapSize is the number of bytes the engine actually manages, i.e. the
	// size of its internal heap area, not the full sub-region.
	HeapSize uint64
}

// Utilization returns PeakRequested / HeapSize.
func (s Stats) Utilization() float64 {
	if s.HeapSize == 0 {
		return 0
	}
	return float64(s.PeakRequested) / float64(s.HeapSize)
}

// Available returns how many bytes of the managed heap are not currently
// consumed by allocations (engine overhead included).
func (s Stats) Available() uint64 {
	return s.HeapSize - s.CurrentAllocated
}

// Allocator is the control block of one managed region. It is placed at the
// first 16-byte aligned address inside the region and never moves until
// Destroy. The handle returned by Create points into the region itself.
type Allocator struct {
	typ     Algorithm
	options Options

	mem []byte // raw backing region, as passed in (or mapped)

	implRegion unsafe.Pointer // engine sub-region, right after the control block
	implSize   uint64
	impl       unsafe.Pointer // engine state, laid out inside implRegion

	ownsMem bool // set by CreateMapped; Destroy releases the mapping

	stats Stats
}

const allocatorSizeof = unsafe.Sizeof(Allocator{})

// Create places an allocator in-place inside region and initialises the
// chosen engine on the remainder. The allocator does not own region and
// never releases it; the caller must keep it alive and unmodified until
// Destroy. On failure nothing is written that the caller needs to undo.
func Create(typ Algorithm, region []byte) (*Allocator, error) {
	if region == nil {
		return nil, ErrNilRegion
	}
	if typ != SegregatedFreelist && typ != Buddy {
		return nil, ErrUnknownAlgorithm
	}
	size := uint64(len(region))
	if size < uint64(allocatorSizeof) {
		return nil, ErrRegionTooSmall
	}

	addr := uintptr(unsafe.Pointer(&region[0]))
	base := alignUp(addr, allocatorAlign)
	prefix := uint64(base - addr)
	if prefix >= size {
		return nil, ErrRegionTooSmall
	}
	usable := size - prefix
	if usable < uint64(allocatorSizeof) {
		return nil, ErrRegionTooSmall
	}

	a := (*Allocator)(unsafe.Pointer(base))
	*a = Allocator{}
	a.typ = typ
	a.options = RMDefaultOptions
	a.mem = region

	// The engine sub-region starts right after the control block,
	// re-aligned to allocatorAlign.
	afterHdr := alignUp(base+allocatorSizeof, allocatorAlign)
	hdrPrefix := uint64(afterHdr - base)
	if hdrPrefix > usable {
		return nil, ErrRegionTooSmall
	}
	a.implRegion = unsafe.Pointer(afterHdr)
	a.implSize = usable - hdrPrefix

	// Engines lower this once they carve their own state out.
	a.stats.HeapSize = a.implSize

	var ok bool
	switch typ {
	case SegregatedFreelist:
		ok = a.sfInit(afterHdr, a.implSize)
	case Buddy:
		ok = a.buddyInit(afterHdr, a.implSize)
	}
	if !ok {
		return nil, ErrRegionTooSmall
	}
	return a, nil
}

// CreateMapped is a convenience constructor that obtains an anonymous memory
// mapping of size+allocatorAlign bytes from the platform and creates the
// allocator inside it. The allocator owns the mapping and Destroy releases
// it.
func CreateMapped(typ Algorithm, size uint64) (*Allocator, error) {
	mem, err := mapAnon(int(size) + allocatorAlign)
	if err != nil {
		return nil, err
	}
	a, err := Create(typ, mem)
	if err != nil {
		_ = unmapAnon(mem)
		return nil, err
	}
	a.ownsMem = true
	return a, nil
}

// Destroy tears the allocator down. All engine state lives in the region, so
// there is nothing to unwind; the backing mapping is released iff it was
// acquired by CreateMapped. The handle must not be used afterwards.
func (a *Allocator) Destroy() {
	if a == nil {
		return
	}
	if a.ownsMem && a.mem != nil {
		mem := a.mem
		// a lives inside mem; no access past this point
		if err := unmapAnon(mem); err != nil {
			WARN("Destroy: unmap failed: %s\n", err)
		}
	}
}

// SetOptions replaces the allocator option flags.
func (a *Allocator) SetOptions(opts Options) {
	a.options = opts
}

// Options returns the current option flags.
func (a *Allocator) Options() Options {
	return a.options
}

// Type returns the algorithm managing the region.
func (a *Allocator) Type() Algorithm {
	return a.typ
}

// silent reports whether corruption diagnostics are suppressed.
func (a *Allocator) silent() bool {
	return a.options&RMSilent != 0
}

// Alloc allocates size bytes from the managed region and returns a pointer
// to the payload, or nil if the request cannot be served. A zero size is
// rejected without touching the statistics.
func (a *Allocator) Alloc(size uint64) unsafe.Pointer {
	if a == nil {
		return nil
	}
	switch a.typ {
	case SegregatedFreelist:
		return a.sfAlloc(size)
	case Buddy:
		return a.buddyAlloc(size)
	}
	return nil
}

// Free releases the memory associated with p (previously returned by Alloc
// on the same allocator). Freeing nil is a no-op. A pointer whose block
// header does not carry the engine magic is diagnosed and ignored.
func (a *Allocator) Free(p unsafe.Pointer) {
	if a == nil || p == nil {
		return
	}
	switch a.typ {
	case SegregatedFreelist:
		a.sfFree(p)
	case Buddy:
		a.buddyFree(p)
	}
}

// Realloc re-allocates p to newSize. (nil, n) behaves like Alloc(n) and
// (p, 0) like Free(p). Otherwise a new block is allocated and, on success,
// the old one is freed WITHOUT copying the payload: the common layer has no
// size metadata for p, so a copying realloc is not possible here. Callers
// needing the contents preserved must copy themselves before calling.
func (a *Allocator) Realloc(p unsafe.Pointer, newSize uint64) unsafe.Pointer {
	if a == nil {
		return nil
	}
	if p == nil {
		return a.Alloc(newSize)
	}
	if newSize == 0 {
		a.Free(p)
		return nil
	}
	np := a.Alloc(newSize)
	if np != nil {
		a.Free(p)
	}
	return np
}

// GetStats returns a copy of the current statistics.
func (a *Allocator) GetStats() Stats {
	return a.stats
}

// ResetStats zeroes all counters except HeapSize.
func (a *Allocator) ResetStats() {
	heapSize := a.stats.HeapSize
	a.stats = Stats{}
	a.stats.HeapSize = heapSize
}

// addUsed accounts for a successful allocation.
func (a *Allocator) addUsed(committed, requested uint64) {
	a.stats.TotalAllocations++
	a.stats.CurrentAllocated += committed
	if a.stats.CurrentAllocated > a.stats.PeakAllocated {
		a.stats.PeakAllocated = a.stats.CurrentAllocated
	}
	a.stats.CurrentRequested += requested
	if a.stats.CurrentRequested > a.stats.PeakRequested {
		a.stats.PeakRequested = a.stats.CurrentRequested
	}
}

// subUsed accounts for a release.
func (a *Allocator) subUsed(committed, requested uint64) {
	a.stats.TotalFrees++
	a.stats.CurrentAllocated -= committed
	a.stats.CurrentRequested -= requested
}
