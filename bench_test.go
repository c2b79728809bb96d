// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package rmalloc

import (
	"fmt"
	"math/rand"
	"testing"
	"unsafe"
)

const benchRegionSize = 16 * 1024 * 1024

func benchAllocator(b *testing.B, typ Algorithm) *Allocator {
	b.Helper()
	a, err := Create(typ, make([]byte, benchRegionSize))
	if err != nil {
		b.Fatalf("Create(%s): %v", typ, err)
	}
	return a
}

// sequential: fixed-size alloc burst, then free everything in order
func BenchmarkSequential(b *testing.B) {
	for _, typ := range testAlgorithms {
		for _, size := range []uint64{32, 256, 4096} {
			b.Run(fmt.Sprintf("%s/size_%d", typ, size), func(b *testing.B) {
				a := benchAllocator(b, typ)
				defer a.Destroy()
				ptrs := make([]unsafe.Pointer, 0, 1024)

				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					p := a.Alloc(size)
					if p == nil {
						for _, q := range ptrs {
							a.Free(q)
						}
						ptrs = ptrs[:0]
						continue
					}
					ptrs = append(ptrs, p)
				}
				b.StopTimer()
				for _, q := range ptrs {
					a.Free(q)
				}
			})
		}
	}
}

// random: random sizes, frees interleaved at random
func BenchmarkRandom(b *testing.B) {
	for _, typ := range testAlgorithms {
		b.Run(typ.String(), func(b *testing.B) {
			a := benchAllocator(b, typ)
			defer a.Destroy()
			rng := rand.New(rand.NewSource(1))
			ptrs := make([]unsafe.Pointer, 0, 1024)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if len(ptrs) > 0 && rng.Intn(2) == 0 {
					j := rng.Intn(len(ptrs))
					a.Free(ptrs[j])
					ptrs[j] = ptrs[len(ptrs)-1]
					ptrs = ptrs[:len(ptrs)-1]
					continue
				}
				size := uint64(16 + rng.Intn(4096))
				p := a.Alloc(size)
				if p != nil {
					ptrs = append(ptrs, p)
				}
			}
			b.StopTimer()
			for _, q := range ptrs {
				a.Free(q)
			}
		})
	}
}

// mixed: alternating small and large requests with periodic drains
func BenchmarkMixed(b *testing.B) {
	sizes := []uint64{24, 100, 700, 3000, 60, 1500}
	for _, typ := range testAlgorithms {
		b.Run(typ.String(), func(b *testing.B) {
			a := benchAllocator(b, typ)
			defer a.Destroy()
			ptrs := make([]unsafe.Pointer, 0, 1024)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				p := a.Alloc(sizes[i%len(sizes)])
				if p != nil {
					ptrs = append(ptrs, p)
				}
				if len(ptrs) >= 512 {
					for _, q := range ptrs {
						a.Free(q)
					}
					ptrs = ptrs[:0]
				}
			}
			b.StopTimer()
			for _, q := range ptrs {
				a.Free(q)
			}
		})
	}
}

// stress: tight alloc/free churn on a single size class
func BenchmarkStress(b *testing.B) {
	for _, typ := range testAlgorithms {
		b.Run(typ.String(), func(b *testing.B) {
			a := benchAllocator(b, typ)
			defer a.Destroy()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				p := a.Alloc(128)
				if p == nil {
					b.Fatal("unexpected out of memory")
				}
				a.Free(p)
			}
		})
	}
}
