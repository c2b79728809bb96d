// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package rmalloc

import (
	"golang.org/x/sys/unix"
)

// mapAnon obtains an anonymous read-write mapping of size bytes.
func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// unmapAnon releases a mapping obtained with mapAnon.
func unmapAnon(data []byte) error {
	return unix.Munmap(data)
}
