// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package rmalloc

import (
	"unsafe"
)

// Segregated free-list engine.
//
// Small requests are served from eight fixed size classes, each with its own
// free list. Everything else, including the initial whole-heap block, lives
// on a large-remainder list that also refills empty class lists: a class
// request with no ready block carves the class size off the front of the
// first large block that fits, and the rest goes back to the large list.
//
// Free blocks are never coalesced. A long workload fragments the large list;
// that is a documented limitation of this engine, not a bug.

// sfAlign is the internal alignment of the engine: state struct, heap start
// and committed block sizes are all multiples of it.
const sfAlign = 8

// NumSizeClasses is the number of fixed size classes.
const NumSizeClasses = 8

// SizeClasses are the block sizes the engine prefers to serve. A block on
// free list i has size exactly SizeClasses[i], so class membership can be
// reconstructed from the committed size alone on Free.
var SizeClasses = [NumSizeClasses]uint64{
	16, 32, 64, 128, 256, 512, 1024, 2048,
}

// sfState is the engine control struct, placed at the start of the engine
// sub-region. The heap it manages follows right after it.
type sfState struct {
	heap     unsafe.Pointer
	heapSize uint64
	// free lists per size class
	freeLists [NumSizeClasses]*sfFreeBlock
	// larger free fragments, used as the carving source for the classes
	large *sfFreeBlock
}

const sfStateSizeof = unsafe.Sizeof(sfState{})

func (a *Allocator) sfImpl() *sfState {
	return (*sfState)(a.impl)
}

// sizeClass returns the index of the smallest class that can hold size, or
// -1 if size exceeds the largest class.
func sizeClass(size uint64) int {
	for i := 0; i < NumSizeClasses; i++ {
		if size <= SizeClasses[i] {
			return i
		}
	}
	return -1
}

// sfInit lays the engine state out at the start of the sub-region and turns
// the remainder into the heap, initially a single block on the large list.
func (a *Allocator) sfInit(region uintptr, size uint64) bool {
	if size < uint64(sfStateSizeof)+SizeClasses[0] {
		return false
	}

	implBase := alignUp(region, sfAlign)
	prefix := uint64(implBase - region)
	if prefix >= size {
		return false
	}
	usable := size - prefix
	if usable < uint64(sfStateSizeof)+SizeClasses[0] {
		return false
	}

	st := (*sfState)(unsafe.Pointer(implBase))
	*st = sfState{}

	heapStart := alignUp(implBase+sfStateSizeof, sfAlign)
	heapPrefix := uint64(heapStart - implBase)
	if heapPrefix >= usable {
		return false
	}
	st.heap = unsafe.Pointer(heapStart)
	st.heapSize = usable - heapPrefix

	// the whole heap starts out as one large free block
	st.large = (*sfFreeBlock)(st.heap)
	st.large.next = nil
	st.large.size = st.heapSize

	a.impl = unsafe.Pointer(st)
	a.stats.HeapSize = st.heapSize
	return true
}

// sfAlloc serves one allocation request of size payload bytes.
func (a *Allocator) sfAlloc(size uint64) unsafe.Pointer {
	if size == 0 {
		// not allocator pressure; rejected without touching the stats
		return nil
	}
	st := a.sfImpl()
	if st == nil {
		return nil
	}

	// total is what the block really takes in the heap: header + payload,
	// rounded to sfAlign
	total := alignSize(size+uint64(sfHeaderSizeof), sfAlign)
	class := sizeClass(total)

	var block *sfFreeBlock
	committed := total

	if class >= 0 {
		// class request: reuse a ready block, or carve one off a large block
		if st.freeLists[class] != nil {
			block = st.freeLists[class]
			st.freeLists[class] = block.next
		} else {
			block = st.carveLarge(SizeClasses[class])
		}
		// class blocks always take exactly the class size, so Free can map
		// the committed size back to the class list
		committed = SizeClasses[class]
	} else {
		// larger than the biggest class: served from the large list directly
		block = st.carveLarge(total)
	}

	if block == nil {
		a.stats.FailedAllocations++
		return nil
	}

	hdr := (*sfHeader)(unsafe.Pointer(block))
	hdr.committed = committed
	hdr.requested = size
	hdr.magic = SfBlockMagic

	a.addUsed(committed, size)
	return hdr.payload()
}

// carveLarge removes the first large block of at least want bytes, takes
// want bytes off its front and pushes any remainder that can still hold a
// minimal block back onto the large-list head. It returns nil if no large
// block fits.
func (st *sfState) carveLarge(want uint64) *sfFreeBlock {
	prev := &st.large
	for cur := st.large; cur != nil; cur = cur.next {
		if cur.size >= want {
			*prev = cur.next

			remaining := cur.size - want
			if remaining >= SizeClasses[0] {
				rem := (*sfFreeBlock)(unsafe.Add(unsafe.Pointer(cur), want))
				rem.size = remaining
				rem.next = st.large
				st.large = rem
			}
			return cur
		}
		prev = &cur.next
	}
	return nil
}

// sfFree returns the block whose payload is p to the matching free list.
func (a *Allocator) sfFree(p unsafe.Pointer) {
	st := a.sfImpl()
	if st == nil {
		return
	}
	hdr := sfHeaderOf(p)

	if hdr.magic != SfBlockMagic {
		// foreign or corrupted pointer; leak the block rather than risk the
		// free lists
		if !a.silent() {
			ERR("invalid pointer or corrupted block %p\n", p)
		}
		return
	}

	total := hdr.committed
	a.subUsed(total, hdr.requested)

	class := sizeClass(total)
	block := (*sfFreeBlock)(unsafe.Pointer(hdr))
	block.size = total

	// only exact class sizes go back to a class list; anything else (large
	// path blocks) joins the large list
	if class >= 0 && total == SizeClasses[class] {
		block.next = st.freeLists[class]
		st.freeLists[class] = block
	} else {
		block.next = st.large
		st.large = block
	}
}
