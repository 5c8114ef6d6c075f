// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package kcore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/internal/base"
	"github.com/cockroachdb/kcore/internal/cpu"
	"github.com/cockroachdb/kcore/internal/physmem"
	"github.com/cockroachdb/kcore/vfs"
)

const (
	// DefaultNumCPU is the default number of processors.
	DefaultNumCPU = 8
	// DefaultKernBase is the default first physical address of RAM.
	DefaultKernBase = physmem.Addr(0x80000000)
	// DefaultPhysMemSize is the default amount of RAM, including the kernel
	// image.
	DefaultPhysMemSize = 128 << 20
	// DefaultKernelImageSize is the default size of the kernel image at the
	// bottom of RAM.
	DefaultKernelImageSize = 1 << 20
)

// PageAddr is a physical address.
type PageAddr = physmem.Addr

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger = base.DefaultLogger

// ErrClosed is returned when closing a closed Kernel.
var ErrClosed = base.ErrClosed

// Options holds the optional parameters for configuring a Kernel. These
// options apply to the Kernel at startup and cannot be changed afterwards.
type Options struct {
	// NumCPU is the number of processors, which is also the number of page
	// allocator free lists. Ignored if CPU is set.
	NumCPU int

	// KernBase is the first physical address of RAM. The kernel image is
	// loaded here. Must be page aligned.
	KernBase physmem.Addr

	// KernelImageSize is the size of the kernel image. Memory from the end of
	// the image (rounded up to a page) to the top of RAM is managed by the page
	// allocator.
	KernelImageSize uint64

	// PhysMemSize is the amount of RAM starting at KernBase. Must be a
	// multiple of the page size.
	PhysMemSize uint64

	// NumBuffers is the number of buffers in the buffer cache.
	NumBuffers int

	// NumBuckets is the number of hash buckets in the buffer cache.
	NumBuckets int

	// Clock stamps released buffers for eviction ordering. Defaults to a
	// bcache.LogicalClock.
	Clock bcache.Clock

	// Disk is the block device backing the buffer cache. If nil, Open attaches
	// file-backed devices in DiskDir on FS.
	Disk bcache.Disk

	// FS is the file system holding device images when Disk is nil. Defaults
	// to vfs.Default.
	FS vfs.FS

	// DiskDir is the directory holding device images when Disk is nil. It must
	// be set when FS is vfs.Default, so that images are never written to the
	// process's working directory by accident.
	DiskDir string

	// DiskBlocks bounds the size of file-backed devices in blocks. Zero means
	// unbounded.
	DiskBlocks uint32

	// DiskBytesPerSec throttles file-backed devices. Zero means unlimited.
	DiskBytesPerSec int64

	// DiskSyncWrites makes every block write to a file-backed device durable
	// before it completes.
	DiskSyncWrites bool

	// CPU identifies the processor executing an operation. Defaults to
	// cpu.Runtime(NumCPU).
	CPU cpu.Locator

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.NumCPU <= 0 {
		o.NumCPU = DefaultNumCPU
	}
	if o.CPU != nil {
		o.NumCPU = o.CPU.Count()
	}
	if o.KernBase == 0 {
		o.KernBase = DefaultKernBase
	}
	if o.PhysMemSize == 0 {
		o.PhysMemSize = DefaultPhysMemSize
	}
	if o.KernelImageSize == 0 {
		o.KernelImageSize = DefaultKernelImageSize
	}
	if o.NumBuffers <= 0 {
		o.NumBuffers = bcache.DefaultNumBuffers
	}
	if o.NumBuckets <= 0 {
		o.NumBuckets = bcache.DefaultNumBuckets
	}
	if o.Clock == nil {
		o.Clock = &bcache.LogicalClock{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.CPU == nil {
		o.CPU = cpu.Runtime(o.NumCPU)
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	return o
}

// Clone creates a shallow copy of the supplied options.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
	}
	return n
}

// Layout returns the physical memory layout described by the options.
func (o *Options) Layout() physmem.Layout {
	return physmem.Layout{
		KernBase:  o.KernBase,
		KernelEnd: o.KernBase + physmem.Addr(o.KernelImageSize),
		PhysTop:   o.KernBase + physmem.Addr(o.PhysMemSize),
	}
}

func clockName(c bcache.Clock) string {
	switch c.(type) {
	case *bcache.LogicalClock:
		return "logical"
	case bcache.MonoClock, *bcache.MonoClock:
		return "mono"
	default:
		return fmt.Sprintf("%T", c)
	}
}

// String implements fmt.Stringer. The output can be read back with Parse.
func (o *Options) String() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "[Kernel]\n")
	fmt.Fprintf(&buf, "  kern_base=%s\n", o.KernBase)
	fmt.Fprintf(&buf, "  kernel_image_size=%d\n", o.KernelImageSize)
	fmt.Fprintf(&buf, "  phys_mem_size=%d\n", o.PhysMemSize)
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Allocator]\n")
	fmt.Fprintf(&buf, "  num_cpu=%d\n", o.NumCPU)
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[BufferCache]\n")
	fmt.Fprintf(&buf, "  num_buffers=%d\n", o.NumBuffers)
	fmt.Fprintf(&buf, "  num_buckets=%d\n", o.NumBuckets)
	if o.Clock != nil {
		fmt.Fprintf(&buf, "  clock=%s\n", clockName(o.Clock))
	}
	if o.Disk == nil {
		fmt.Fprintf(&buf, "\n")
		fmt.Fprintf(&buf, "[Disk]\n")
		fmt.Fprintf(&buf, "  dir=%s\n", o.DiskDir)
		fmt.Fprintf(&buf, "  num_blocks=%d\n", o.DiskBlocks)
		fmt.Fprintf(&buf, "  bytes_per_sec=%d\n", o.DiskBytesPerSec)
		fmt.Fprintf(&buf, "  sync_writes=%t\n", o.DiskSyncWrites)
	}
	return buf.String()
}

// parseOptions parses INI-style options into sections, keys and values,
// calling visitKeyValue for each key-value pair. Blank lines and lines
// starting with ';' or '#' are skipped.
func parseOptions(s string, visitKeyValue func(section, key, value string) error) error {
	var section string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			continue
		}

		pos := strings.Index(line, "=")
		if pos < 0 {
			const maxLen = 50
			if len(line) > maxLen {
				line = line[:maxLen-3] + "..."
			}
			return errors.Errorf("kcore: invalid key=value syntax: %q", errors.Safe(line))
		}
		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		if err := visitKeyValue(section, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Parse parses the options from the specified string, as produced by
// Options.String. Fields not mentioned keep their current values.
func (o *Options) Parse(s string) error {
	return parseOptions(s, func(section, key, value string) error {
		var err error
		unknown := false
		switch section {
		case "Kernel":
			switch key {
			case "kern_base":
				var v uint64
				v, err = strconv.ParseUint(value, 0, 64)
				o.KernBase = physmem.Addr(v)
			case "kernel_image_size":
				o.KernelImageSize, err = parseSize(value)
			case "phys_mem_size":
				o.PhysMemSize, err = parseSize(value)
			default:
				unknown = true
			}
		case "Allocator":
			switch key {
			case "num_cpu":
				o.NumCPU, err = strconv.Atoi(value)
			default:
				unknown = true
			}
		case "BufferCache":
			switch key {
			case "num_buffers":
				o.NumBuffers, err = strconv.Atoi(value)
			case "num_buckets":
				o.NumBuckets, err = strconv.Atoi(value)
			case "clock":
				switch value {
				case "logical":
					o.Clock = &bcache.LogicalClock{}
				case "mono":
					o.Clock = bcache.MonoClock{}
				default:
					err = errors.Newf("unknown clock %q", value)
				}
			default:
				unknown = true
			}
		case "Disk":
			switch key {
			case "dir":
				o.DiskDir = value
			case "num_blocks":
				var v uint64
				v, err = strconv.ParseUint(value, 10, 32)
				o.DiskBlocks = uint32(v)
			case "bytes_per_sec":
				var v uint64
				if v, err = strconv.ParseUint(value, 10, 63); err != nil {
					v, err = crhumanize.ParseBytesPerSec[uint64](value)
				}
				o.DiskBytesPerSec = int64(v)
			case "sync_writes":
				o.DiskSyncWrites, err = strconv.ParseBool(value)
			default:
				unknown = true
			}
		default:
			unknown = true
		}
		if unknown {
			return errors.Errorf("kcore: unknown option: %s.%s",
				errors.Safe(section), errors.Safe(key))
		}
		if err != nil {
			return errors.Wrapf(err, "kcore: invalid value for %s.%s", errors.Safe(section), errors.Safe(key))
		}
		return nil
	})
}

// parseSize parses a byte count, either as a plain integer or in the
// humanized form used by the CLI (e.g. "128MiB").
func parseSize(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	return crhumanize.ParseBytes[uint64](s)
}

// Validate verifies that the options are mutually consistent. EnsureDefaults
// must have been called.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.NumCPU < 1 {
		fmt.Fprintf(&buf, "NumCPU (%d) must be >= 1\n", o.NumCPU)
	}
	if o.KernelImageSize >= o.PhysMemSize {
		fmt.Fprintf(&buf, "KernelImageSize (%s) must be < PhysMemSize (%s)\n",
			crhumanize.Bytes(o.KernelImageSize, crhumanize.Compact),
			crhumanize.Bytes(o.PhysMemSize, crhumanize.Compact))
	} else if err := o.Layout().Validate(); err != nil {
		fmt.Fprintf(&buf, "%s\n", err)
	}
	bo := bcache.Options{NumBuffers: o.NumBuffers, NumBuckets: o.NumBuckets}
	if err := bo.Validate(); err != nil {
		fmt.Fprintf(&buf, "%s\n", err)
	}
	if o.Disk == nil && o.DiskDir == "" && o.FS == vfs.Default {
		fmt.Fprintf(&buf, "DiskDir must be set when device images are stored on the OS file system\n")
	}
	if o.DiskBytesPerSec < 0 {
		fmt.Fprintf(&buf, "DiskBytesPerSec (%d) must be >= 0\n", o.DiskBytesPerSec)
	}

	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}
