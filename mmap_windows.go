// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build windows

package rmalloc

func mapAnon(size int) ([]byte, error) {
	return nil, ErrNotSupported
}

func unmapAnon(data []byte) error {
	return nil
}
