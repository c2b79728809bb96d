// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package rmalloc

import (
	"unsafe"
)

// Buddy (power-of-two) engine.
//
// The managed heap is a single block of size 2^maxOrder whose base address
// is itself a multiple of 2^maxOrder. That alignment is what makes the
// buddy of a block at offset o of order k sit at offset o XOR 2^k, so both
// splitting and coalescing are pure offset arithmetic. Free blocks of order
// k are singly linked on freeLists[k].

// buddyAlign is the internal alignment of the engine state.
const buddyAlign = 16

// buddyMaxOrders bounds the order range (heap sizes up to 2^31 bytes per
// order slot; the heap itself is limited by the region).
const buddyMaxOrders = 32

// buddyMinOrderFloor is the smallest permitted min order (32-byte blocks).
const buddyMinOrderFloor = 5

// buddyState is the engine control struct, placed at the start of the
// engine sub-region. The heap block it manages follows at the first address
// aligned to the heap size.
type buddyState struct {
	base      unsafe.Pointer // heap base, multiple of 2^maxOrder
	heapSize  uint64         // exactly 2^maxOrder
	minOrder  uint8
	maxOrder  uint8
	freeLists [buddyMaxOrders]*buddyFreeBlock
}

const buddyStateSizeof = unsafe.Sizeof(buddyState{})

func (a *Allocator) buddyImpl() *buddyState {
	return (*buddyState)(a.impl)
}

// buddyMinOrder returns the smallest order whose block holds both the
// free-list node and the block header, floored at buddyMinOrderFloor.
func buddyMinOrder() uint8 {
	need := buddyFreeBlockSizeof
	if buddyHeaderSizeof > need {
		need = buddyHeaderSizeof
	}
	order := uint8(0)
	for v := uintptr(1); v < need; v <<= 1 {
		order++
	}
	if order < buddyMinOrderFloor {
		order = buddyMinOrderFloor
	}
	return order
}

func (st *buddyState) popFree(order uint8) *buddyFreeBlock {
	blk := st.freeLists[order]
	if blk != nil {
		st.freeLists[order] = blk.next
		blk.next = nil
	}
	return blk
}

func (st *buddyState) pushFree(order uint8, block unsafe.Pointer) {
	blk := (*buddyFreeBlock)(block)
	blk.next = st.freeLists[order]
	st.freeLists[order] = blk
}

// removeBuddy unlinks buddy from freeLists[order] if present and reports
// whether it was found.
func (st *buddyState) removeBuddy(order uint8, buddy unsafe.Pointer) bool {
	prev := &st.freeLists[order]
	for cur := st.freeLists[order]; cur != nil; cur = cur.next {
		if unsafe.Pointer(cur) == buddy {
			*prev = cur.next
			cur.next = nil
			return true
		}
		prev = &cur.next
	}
	return false
}

// buddyInit lays the engine state out in the sub-region and positions the
// heap block. The largest power-of-two block whose aligned start and end
// both fit in the remaining tail wins; candidate orders are walked downward
// because the start address must be a multiple of the block size. If
// nothing larger fits, a single minOrder block is used.
func (a *Allocator) buddyInit(region uintptr, size uint64) bool {
	if size < uint64(buddyStateSizeof)+256 {
		return false
	}

	implBase := alignUp(region, buddyAlign)
	prefix := uint64(implBase - region)
	if prefix >= size {
		return false
	}
	usable := size - prefix
	if usable < uint64(buddyStateSizeof)+256 {
		return false
	}

	st := (*buddyState)(unsafe.Pointer(implBase))
	*st = buddyState{}
	st.minOrder = buddyMinOrder()

	afterImpl := alignUp(implBase+buddyStateSizeof, buddyAlign)
	afterPrefix := uint64(afterImpl - implBase)
	if afterPrefix >= usable {
		return false
	}

	regionEnd := implBase + uintptr(usable)
	available := uint64(regionEnd - afterImpl)
	if available < orderSize(st.minOrder) {
		return false
	}

	maxOrder := floorLog2(available)
	if maxOrder >= buddyMaxOrders {
		maxOrder = buddyMaxOrders - 1
	}

	for maxOrder > uint(st.minOrder) {
		blkSize := uintptr(1) << maxOrder
		base := alignUp(afterImpl, blkSize)
		if base+blkSize <= regionEnd {
			st.base = unsafe.Pointer(base)
			st.heapSize = uint64(blkSize)
			st.maxOrder = uint8(maxOrder)
			break
		}
		maxOrder--
	}

	if st.base == nil || st.heapSize == 0 {
		// fall back to a single minOrder block
		blkSize := uintptr(orderSize(st.minOrder))
		base := alignUp(afterImpl, blkSize)
		if base+blkSize > regionEnd {
			return false
		}
		st.base = unsafe.Pointer(base)
		st.heapSize = uint64(blkSize)
		st.maxOrder = st.minOrder
	}

	st.pushFree(st.maxOrder, st.base)

	a.impl = unsafe.Pointer(st)
	a.stats.HeapSize = st.heapSize
	return true
}

// buddyAlloc serves one allocation of size payload bytes from the smallest
// order that can hold payload plus header, splitting larger blocks on the
// way down. The popped block stays the lower half at every split.
func (a *Allocator) buddyAlloc(size uint64) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	st := a.buddyImpl()
	if st == nil {
		return nil
	}

	need := size + uint64(buddyHeaderSizeof)
	order := ceilLog2(need)
	if order < uint(st.minOrder) {
		order = uint(st.minOrder)
	}
	if order > uint(st.maxOrder) {
		a.stats.FailedAllocations++
		return nil
	}

	found := uint8(order)
	for found <= st.maxOrder && st.freeLists[found] == nil {
		found++
	}
	if found > st.maxOrder {
		a.stats.FailedAllocations++
		return nil
	}

	block := unsafe.Pointer(st.popFree(found))
	for uint(found) > order {
		found--
		half := orderSize(found)
		buddy := unsafe.Add(block, half)
		st.pushFree(found, buddy)
	}

	hdr := (*buddyHeader)(block)
	hdr.magic = BuddyBlockMagic
	hdr.order = uint8(order)
	hdr.requested = size

	a.addUsed(orderSize(uint8(order)), size)
	return hdr.payload()
}

// buddyFree returns the block whose payload is p, coalescing it with its
// buddy as long as both halves of the enclosing block are free at the same
// order.
func (a *Allocator) buddyFree(p unsafe.Pointer) {
	st := a.buddyImpl()
	if st == nil {
		return
	}
	hdr := buddyHeaderOf(p)

	if hdr.magic != BuddyBlockMagic {
		if !a.silent() {
			ERR("invalid pointer or corrupted block %p\n", p)
		}
		return
	}
	order := hdr.order
	if order < st.minOrder || order > st.maxOrder {
		if !a.silent() {
			ERR("invalid block order %d for %p\n", order, p)
		}
		return
	}

	// stats are updated before the range check: an out-of-range block is
	// rejected structurally but still counted as freed
	a.subUsed(orderSize(order), hdr.requested)

	base := uintptr(st.base)
	b := uintptr(unsafe.Pointer(hdr))
	if b < base || b >= base+uintptr(st.heapSize) {
		if !a.silent() {
			ERR("pointer %p out of allocator range\n", p)
		}
		return
	}

	for order < st.maxOrder {
		sz := uintptr(orderSize(order))
		offset := b - base
		buddyOff := offset ^ sz
		buddy := unsafe.Pointer(base + buddyOff)

		if !st.removeBuddy(order, buddy) {
			break
		}
		// merged block starts at the lower of the two halves
		if uintptr(buddy) < b {
			b = uintptr(buddy)
		}
		order++
	}

	st.pushFree(order, unsafe.Pointer(b))
}
