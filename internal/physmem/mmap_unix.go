// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build unix

package physmem

import "golang.org/x/sys/unix"

const maxArenaSize = 1 << 40

// mapArena allocates n bytes of anonymous memory outside the Go heap. The
// memory is zeroed and committed lazily by the OS.
func mapArena(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapArena(b []byte) error {
	return unix.Munmap(b)
}
