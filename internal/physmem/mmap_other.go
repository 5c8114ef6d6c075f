// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !unix

package physmem

// Provides versions of mapArena and unmapArena when mmap is not available.
// The arena is allocated from the Go heap.

const maxArenaSize = 1 << 32

func mapArena(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func unmapArena(b []byte) error {
	return nil
}
