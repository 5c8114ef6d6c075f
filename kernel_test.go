// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package kcore

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/internal/base"
	"github.com/cockroachdb/kcore/internal/cpu"
	"github.com/cockroachdb/kcore/kalloc"
	"github.com/cockroachdb/kcore/vfs"
	"github.com/stretchr/testify/require"
)

func testOptions(fs vfs.FS) *Options {
	return &Options{
		KernelImageSize: 64 << 10,
		PhysMemSize:     1 << 20,
		NumBuffers:      4,
		NumBuckets:      3,
		FS:              fs,
		DiskDir:         "dev",
		CPU:             cpu.NewManual(2),
		Logger:          base.NoopLogger{},
	}
}

func TestOpenClose(t *testing.T) {
	logger := &base.InMemLogger{}
	opts := testOptions(vfs.NewMem())
	opts.Logger = logger
	k, err := Open(opts)
	require.NoError(t, err)
	require.Contains(t, logger.String(), "kcore: booted with")
	require.Contains(t, logger.String(), "of RAM at 0x80000000 (2 cpus")

	// Open does not modify the supplied options.
	require.Nil(t, opts.Clock)
	require.Equal(t, 0, opts.NumCPU)
	require.Equal(t, 2, k.Options().NumCPU)

	require.Equal(t, (1<<20-64<<10)/4096, k.Allocator().NumFree())
	require.NotNil(t, k.Devices())
	require.NoError(t, k.Close())
	require.ErrorIs(t, k.Close(), ErrClosed)
}

func TestOpenInvalid(t *testing.T) {
	opts := testOptions(vfs.NewMem())
	opts.KernelImageSize = opts.PhysMemSize
	_, err := Open(opts)
	require.Error(t, err)

	// Device images are not placed in the working directory by default.
	opts = testOptions(nil)
	opts.DiskDir = ""
	_, err = Open(opts)
	require.ErrorContains(t, err, "DiskDir must be set")
}

func TestKernel(t *testing.T) {
	fs := vfs.NewMem()
	opts := testOptions(fs)
	locator := opts.CPU.(*cpu.Manual)
	k, err := Open(opts)
	require.NoError(t, err)

	// Drain the allocator from cpu1, which must steal every page from cpu0.
	locator.Set(1)
	a := k.Allocator()
	var pages []uint64
	for {
		p, err := a.Alloc()
		if errors.Is(err, kalloc.ErrOutOfMemory) {
			break
		}
		require.NoError(t, err)
		pages = append(pages, uint64(p))
	}
	require.Len(t, pages, (1<<20-64<<10)/4096)
	m := k.Metrics()
	require.EqualValues(t, len(pages), m.Alloc.Steals)
	require.EqualValues(t, 1, m.Alloc.Failures)

	// Write a block through the cache, then push it out with reads of other
	// blocks.
	c := k.Cache()
	h, err := c.Read(1, 42)
	require.NoError(t, err)
	copy(h.Data(), "kernel")
	require.NoError(t, c.Write(h))
	c.Release(h)
	for b := uint32(0); b < 8; b++ {
		h, err := c.Read(2, b)
		require.NoError(t, err)
		c.Release(h)
	}
	require.NoError(t, k.Close())

	// The block survives a reboot on the same file system.
	k, err = Open(testOptions(fs))
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Close()) }()
	h, err = k.Cache().Read(1, 42)
	require.NoError(t, err)
	require.Equal(t, "kernel", string(h.Data()[:6]))
	k.Cache().Release(h)

	m = k.Metrics()
	require.EqualValues(t, 1, m.Cache.Misses)
	require.EqualValues(t, 1, m.Disk.Reads)
	require.Contains(t, m.String(), "bcache: hits=0 misses=1")
}

func TestExternalDisk(t *testing.T) {
	opts := testOptions(nil)
	opts.Disk = diskFunc(func(dev, blockno uint32, data []byte, write bool) error {
		if !write {
			data[0] = byte(blockno)
		}
		return nil
	})
	k, err := Open(opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Close()) }()
	require.Nil(t, k.Devices())

	h, err := k.Cache().Read(1, 9)
	require.NoError(t, err)
	require.EqualValues(t, 9, h.Data()[0])
	k.Cache().Release(h)
	require.Zero(t, k.Metrics().Disk)
}

type diskFunc func(dev, blockno uint32, data []byte, write bool) error

var _ bcache.Disk = diskFunc(nil)

func (f diskFunc) Transfer(dev, blockno uint32, data []byte, write bool) error {
	return f(dev, blockno, data, write)
}
