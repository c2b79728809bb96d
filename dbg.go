// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package rmalloc

import (
	"github.com/intuitivelabs/slog"
)

// DumpStatus will write current status information in the log
func (a *Allocator) DumpStatus() {
	const lev = slog.LDBG
	const prefix = "rm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", a)
	if a == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "algorithm= %s\n", a.typ)
	Log.LLog(lev, 0, prefix, "heap size= %d\n", a.stats.HeapSize)
	Log.LLog(lev, 0, prefix, "allocated= %d (peak %d), requested= %d (peak %d)\n",
		a.stats.CurrentAllocated, a.stats.PeakAllocated,
		a.stats.CurrentRequested, a.stats.PeakRequested)
	Log.LLog(lev, 0, prefix, "allocs= %d, frees= %d, failed= %d\n",
		a.stats.TotalAllocations, a.stats.TotalFrees,
		a.stats.FailedAllocations)
	if a.options&RMDumpStatsShort != 0 {
		return
	}
	switch a.typ {
	case SegregatedFreelist:
		a.sfDumpLists(prefix)
	case Buddy:
		a.buddyDumpLists(prefix)
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// sfDumpLists logs the free-list census of the segregated engine: the
// population of each size class and the large-remainder list.
func (a *Allocator) sfDumpLists(prefix string) {
	const lev = slog.LDBG
	st := a.sfImpl()
	if st == nil {
		return
	}
	for i := 0; i < NumSizeClasses; i++ {
		n := uint64(0)
		for f := st.freeLists[i]; f != nil; f = f.next {
			n++
		}
		if n != 0 {
			Log.LLog(lev, 0, prefix,
				"class %4d: %5d free blocks\n", SizeClasses[i], n)
		}
	}
	n, total := uint64(0), uint64(0)
	for f := st.large; f != nil; f = f.next {
		n++
		total += f.size
	}
	Log.LLog(lev, 0, prefix,
		"large list: %5d fragments, %d bytes\n", n, total)
}

// buddyDumpLists logs the per-order free block counts of the buddy engine.
func (a *Allocator) buddyDumpLists(prefix string) {
	const lev = slog.LDBG
	st := a.buddyImpl()
	if st == nil {
		return
	}
	for order := st.minOrder; order <= st.maxOrder; order++ {
		n := uint64(0)
		for f := st.freeLists[order]; f != nil; f = f.next {
			n++
		}
		if n != 0 {
			Log.LLog(lev, 0, prefix,
				"order %2d (%9d bytes): %5d free blocks\n",
				order, orderSize(order), n)
		}
	}
}
