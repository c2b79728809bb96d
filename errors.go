// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package rmalloc

import "errors"

var (
	// ErrNilRegion is returned when a nil backing region is passed to Create.
	ErrNilRegion = errors.New("nil backing region")
	// ErrRegionTooSmall is returned when the region cannot hold the
	// allocator control block plus a minimal heap.
	ErrRegionTooSmall = errors.New("region too small for allocator")
	// ErrUnknownAlgorithm is returned for an Algorithm value outside the
	// supported set.
	ErrUnknownAlgorithm = errors.New("unknown allocator algorithm")
	// ErrNotSupported is returned by CreateMapped on platforms without
	// anonymous memory mappings.
	ErrNotSupported = errors.New("memory mapping not supported on this platform")
)
