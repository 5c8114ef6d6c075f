// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package disk implements block devices backed by files. Each device number
// maps to one image file, and block b of a device lives at offset
// b*bcache.BlockSize of its file. Transfers are synchronous.
package disk

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/internal/base"
	"github.com/cockroachdb/kcore/internal/invariants"
	"github.com/cockroachdb/kcore/vfs"
	"github.com/cockroachdb/tokenbucket"
)

// Options configure a Devices.
type Options struct {
	// FS holds the device image files. Defaults to vfs.Default.
	FS vfs.FS
	// Dir is the directory holding the device image files.
	Dir string
	// NumBlocks is the size of every device in blocks. Transfers beyond the
	// end of a device fail. Zero means devices are unbounded.
	NumBlocks uint32
	// BytesPerSec limits the combined bandwidth of all devices. Zero means
	// unlimited.
	BytesPerSec int64
	// SyncWrites syncs the image file after every block write, so that a write
	// is durable when Transfer returns.
	SyncWrites bool
	// Logger reports device attachment. Defaults to base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// Devices is a set of block devices. It implements bcache.Disk.
type Devices struct {
	opts *Options

	mu     sync.Mutex
	devs   map[uint32]vfs.File
	closed invariants.CloseChecker

	limiter struct {
		sync.Mutex
		enabled bool
		tb      tokenbucket.TokenBucket
	}

	metrics struct {
		reads        atomic.Int64
		writes       atomic.Int64
		bytesRead    atomic.Int64
		bytesWritten atomic.Int64
		throttled    atomic.Int64
	}
}

var _ bcache.Disk = (*Devices)(nil)

// Open returns a Devices storing device images in opts.Dir, creating the
// directory if necessary. Devices are attached on first use.
func Open(opts *Options) (*Devices, error) {
	opts = opts.EnsureDefaults()
	if opts.Dir != "" {
		if err := opts.FS.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "disk: creating %q", opts.Dir)
		}
	}
	d := &Devices{
		opts: opts,
		devs: make(map[uint32]vfs.File),
	}
	if r := opts.BytesPerSec; r > 0 {
		d.limiter.enabled = true
		d.limiter.tb.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(max(r/10, bcache.BlockSize)))
		opts.Logger.Infof("disk: limiting bandwidth to %s/s", crhumanize.Bytes(r, crhumanize.Compact))
	}
	return d, nil
}

// Path returns the path of the image file of device dev.
func (d *Devices) Path(dev uint32) string {
	return d.opts.FS.PathJoin(d.opts.Dir, fmt.Sprintf("disk%d.img", dev))
}

// Attach opens the image file of device dev, creating it if it does not
// exist. Attaching an attached device is a no-op.
func (d *Devices) Attach(dev uint32) error {
	_, err := d.device(dev)
	return err
}

func (d *Devices) device(dev uint32) (vfs.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed.AssertNotClosed()
	if f, ok := d.devs[dev]; ok {
		return f, nil
	}
	path := d.Path(dev)
	f, err := d.opts.FS.OpenReadWrite(path)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: attaching device %d", dev)
	}
	d.devs[dev] = f
	d.opts.Logger.Infof("disk: attached device %d at %s", dev, path)
	return f, nil
}

// Transfer implements bcache.Disk. Blocks that were never written read as
// zeroes.
func (d *Devices) Transfer(dev, blockno uint32, data []byte, write bool) error {
	if len(data) != bcache.BlockSize {
		return errors.AssertionFailedf("disk: transfer of %d bytes", len(data))
	}
	if n := d.opts.NumBlocks; n > 0 && blockno >= n {
		return errors.Newf("disk: block %d out of range for device %d (%d blocks)", blockno, dev, n)
	}
	f, err := d.device(dev)
	if err != nil {
		return err
	}
	d.maybeThrottle(len(data))

	off := int64(blockno) * bcache.BlockSize
	if write {
		d.metrics.writes.Add(1)
		if _, err := f.WriteAt(data, off); err != nil {
			return errors.Wrapf(err, "disk: writing device %d block %d", dev, blockno)
		}
		if d.opts.SyncWrites {
			if err := f.Sync(); err != nil {
				return errors.Wrapf(err, "disk: syncing device %d", dev)
			}
		}
		d.metrics.bytesWritten.Add(int64(len(data)))
		return nil
	}

	d.metrics.reads.Add(1)
	n, err := f.ReadAt(data, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "disk: reading device %d block %d", dev, blockno)
	}
	clear(data[n:])
	d.metrics.bytesRead.Add(int64(len(data)))
	return nil
}

// maybeThrottle blocks until the bandwidth limit admits n more bytes.
func (d *Devices) maybeThrottle(n int) {
	if !d.limiter.enabled {
		return
	}
	start := time.Now()
	waited := false
	for {
		d.limiter.Lock()
		ok, wait := d.limiter.tb.TryToFulfill(tokenbucket.Tokens(n))
		d.limiter.Unlock()
		if ok {
			break
		}
		waited = true
		time.Sleep(wait)
	}
	if waited {
		d.metrics.throttled.Add(int64(time.Since(start)))
	}
}

// Sync syncs the image files of every attached device.
func (d *Devices) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for _, dev := range slices.Sorted(maps.Keys(d.devs)) {
		if e := d.devs[dev].Sync(); e != nil {
			err = errors.CombineErrors(err, errors.Wrapf(e, "disk: syncing device %d", dev))
		}
	}
	return err
}

// Close syncs and closes every attached device.
func (d *Devices) Close() error {
	err := d.Sync()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed.Close()
	for dev, f := range d.devs {
		err = errors.CombineErrors(err, f.Close())
		delete(d.devs, dev)
	}
	return err
}

// Metrics holds I/O counters for a Devices.
type Metrics struct {
	Reads        int64
	Writes       int64
	BytesRead    int64
	BytesWritten int64
	// ThrottleWait is the total time transfers spent waiting for bandwidth.
	ThrottleWait time.Duration
}

// Metrics returns the I/O counters.
func (d *Devices) Metrics() Metrics {
	return Metrics{
		Reads:        d.metrics.reads.Load(),
		Writes:       d.metrics.writes.Load(),
		BytesRead:    d.metrics.bytesRead.Load(),
		BytesWritten: d.metrics.bytesWritten.Load(),
		ThrottleWait: time.Duration(d.metrics.throttled.Load()),
	}
}

// String pretty-prints the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("reads=%d (%s) writes=%d (%s) throttled=%s",
		m.Reads, crhumanize.Bytes(m.BytesRead, crhumanize.Compact),
		m.Writes, crhumanize.Bytes(m.BytesWritten, crhumanize.Compact),
		m.ThrottleWait.Round(time.Millisecond))
}
