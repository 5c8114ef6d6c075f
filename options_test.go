// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package kcore

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/internal/cpu"
	"github.com/cockroachdb/kcore/vfs"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o := (*Options)(nil).EnsureDefaults()
	o.DiskDir = "dev"
	require.Equal(t, DefaultNumCPU, o.NumCPU)
	require.Equal(t, DefaultNumCPU, o.CPU.Count())
	require.Equal(t, bcache.DefaultNumBuffers, o.NumBuffers)
	require.Equal(t, bcache.DefaultNumBuckets, o.NumBuckets)
	require.IsType(t, &bcache.LogicalClock{}, o.Clock)
	require.NoError(t, o.Validate())

	l := o.Layout()
	require.Equal(t, DefaultKernBase, l.KernBase)
	require.Equal(t, (DefaultPhysMemSize-DefaultKernelImageSize)/4096, l.NumPages())

	// A supplied locator determines the processor count.
	o = (&Options{NumCPU: 2, CPU: cpu.NewManual(3)}).EnsureDefaults()
	require.Equal(t, 3, o.NumCPU)
}

func TestOptionsString(t *testing.T) {
	o := (&Options{NumCPU: 4, DiskDir: "dev", DiskBlocks: 1000}).EnsureDefaults()
	require.Equal(t, `[Kernel]
  kern_base=0x80000000
  kernel_image_size=1048576
  phys_mem_size=134217728

[Allocator]
  num_cpu=4

[BufferCache]
  num_buffers=30
  num_buckets=13
  clock=logical

[Disk]
  dir=dev
  num_blocks=1000
  bytes_per_sec=0
  sync_writes=false
`, o.String())
}

func TestOptionsParse(t *testing.T) {
	o := &Options{
		NumCPU:          3,
		KernBase:        0x100000,
		KernelImageSize: 64 << 10,
		PhysMemSize:     4 << 20,
		NumBuffers:      50,
		NumBuckets:      7,
		Clock:           bcache.MonoClock{},
		DiskDir:         "disks",
		DiskBlocks:      2048,
		DiskBytesPerSec: 1 << 20,
		DiskSyncWrites:  true,
	}
	var parsed Options
	require.NoError(t, parsed.Parse(o.String()))
	require.Equal(t, o.String(), parsed.String())
	require.Equal(t, o.KernBase, parsed.KernBase)
	require.IsType(t, bcache.MonoClock{}, parsed.Clock)

	// Humanized sizes and comments are accepted.
	var h Options
	require.NoError(t, h.Parse(fmt.Sprintf(`
; sizes
[Kernel]
  phys_mem_size=%s
  kernel_image_size=0x40000
# unthrottled
[Disk]
  bytes_per_sec=0
`, crhumanize.Bytes(64<<20, crhumanize.Compact))))
	require.EqualValues(t, 64<<20, h.PhysMemSize)
	require.EqualValues(t, 256<<10, h.KernelImageSize)
	require.Zero(t, h.DiskBytesPerSec)
}

func TestOptionsParseErrors(t *testing.T) {
	testCases := []struct {
		input  string
		errStr string
	}{
		{"[Kernel]\n  page_size=4096\n", "kcore: unknown option: Kernel.page_size"},
		{"[Other]\n  x=1\n", "kcore: unknown option: Other.x"},
		{"[Allocator]\n  num_cpu\n", `kcore: invalid key=value syntax: "num_cpu"`},
		{"[Allocator]\n  num_cpu=many\n", "kcore: invalid value for Allocator.num_cpu"},
		{"[BufferCache]\n  clock=sundial\n", `kcore: invalid value for BufferCache.clock: unknown clock "sundial"`},
		{"[Disk]\n  sync_writes=maybe\n", "kcore: invalid value for Disk.sync_writes"},
	}
	for _, tc := range testCases {
		t.Run("", func(t *testing.T) {
			var o Options
			err := o.Parse(tc.input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errStr)
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	testCases := []struct {
		opts   Options
		errStr string
	}{
		{Options{DiskDir: "dev"}, ""},
		{Options{FS: vfs.NewMem()}, ""},
		{Options{Disk: diskFunc(func(uint32, uint32, []byte, bool) error { return nil })}, ""},
		{Options{}, "DiskDir must be set"},
		{Options{DiskDir: "dev", KernelImageSize: 8 << 20, PhysMemSize: 8 << 20}, "must be < PhysMemSize"},
		{Options{DiskDir: "dev", KernBase: 0x80000123}, "not page aligned"},
		{Options{DiskDir: "dev", NumBuffers: 1, NumBuckets: 100}, "NumBuckets"},
		{Options{DiskDir: "dev", DiskBytesPerSec: -1}, "DiskBytesPerSec (-1) must be >= 0"},
	}
	for _, tc := range testCases {
		t.Run("", func(t *testing.T) {
			o := tc.opts.Clone().EnsureDefaults()
			err := o.Validate()
			if tc.errStr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errStr)
		})
	}
}
