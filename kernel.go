// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package kcore provides the memory and block caching core of a small
// Unix-like kernel: a buffer cache of disk blocks and a per-CPU physical page
// allocator, assembled over simulated RAM and file-backed block devices.
package kcore

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/disk"
	"github.com/cockroachdb/kcore/internal/physmem"
	"github.com/cockroachdb/kcore/kalloc"
)

// Kernel owns the simulated RAM, the page allocator and the buffer cache.
type Kernel struct {
	opts  *Options
	mem   *physmem.Memory
	alloc *kalloc.Allocator
	cache *bcache.Cache
	// devices is non-nil when the Kernel attached its own file-backed
	// devices because Options.Disk was nil.
	devices *disk.Devices
	closed  atomic.Bool
}

// Open boots a Kernel. The supplied options are not modified.
func Open(opts *Options) (_ *Kernel, err error) {
	opts = opts.Clone().EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{opts: opts}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, k.release())
		}
	}()

	layout := opts.Layout()
	if k.mem, err = physmem.New(layout); err != nil {
		return nil, err
	}
	k.alloc = kalloc.New(k.mem, &kalloc.Options{CPU: opts.CPU, Logger: opts.Logger})

	d := opts.Disk
	if d == nil {
		k.devices, err = disk.Open(&disk.Options{
			FS:          opts.FS,
			Dir:         opts.DiskDir,
			NumBlocks:   opts.DiskBlocks,
			BytesPerSec: opts.DiskBytesPerSec,
			SyncWrites:  opts.DiskSyncWrites,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		d = k.devices
	}
	k.cache = bcache.New(d, &bcache.Options{
		NumBuffers: opts.NumBuffers,
		NumBuckets: opts.NumBuckets,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
	})

	opts.Logger.Infof("kcore: booted with %s of RAM at %s (%d cpus, %s cache)",
		crhumanize.Bytes(opts.PhysMemSize, crhumanize.Compact), layout.KernBase, opts.NumCPU,
		crhumanize.Bytes(int64(opts.NumBuffers)*bcache.BlockSize, crhumanize.Compact))
	return k, nil
}

// Options returns the options the Kernel was opened with, with defaults
// filled in.
func (k *Kernel) Options() *Options {
	return k.opts.Clone()
}

// Allocator returns the physical page allocator.
func (k *Kernel) Allocator() *kalloc.Allocator {
	return k.alloc
}

// Cache returns the buffer cache.
func (k *Kernel) Cache() *bcache.Cache {
	return k.cache
}

// Devices returns the file-backed block devices, or nil if the Kernel was
// opened with Options.Disk.
func (k *Kernel) Devices() *disk.Devices {
	return k.devices
}

// Metrics holds the metrics of every Kernel component.
type Metrics struct {
	Cache bcache.Metrics
	Alloc kalloc.Metrics
	// Disk is the zero value if the Kernel was opened with Options.Disk.
	Disk disk.Metrics
}

// Metrics returns the current metrics.
func (k *Kernel) Metrics() Metrics {
	m := Metrics{
		Cache: k.cache.Metrics(),
		Alloc: k.alloc.Metrics(),
	}
	if k.devices != nil {
		m.Disk = k.devices.Metrics()
	}
	return m
}

// String pretty-prints the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("bcache: %s\nkalloc: %s\ndisk:   %s\n", m.Cache, m.Alloc, m.Disk)
}

// Close syncs and detaches the block devices and releases the simulated RAM.
// Pages and buffers handed out by the Kernel must not be used afterwards.
// Closing a closed Kernel returns ErrClosed.
func (k *Kernel) Close() error {
	if k.closed.Swap(true) {
		return ErrClosed
	}
	return k.release()
}

func (k *Kernel) release() error {
	var err error
	if k.devices != nil {
		err = errors.CombineErrors(err, k.devices.Close())
	}
	if k.mem != nil {
		err = errors.CombineErrors(err, k.mem.Close())
	}
	return err
}
