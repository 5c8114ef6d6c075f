// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bcache

import (
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/internal/base"
)

const (
	// BlockSize is the size of a disk block and of a buffer's payload.
	BlockSize = 1024
	// DefaultNumBuffers is the default size of the buffer pool.
	DefaultNumBuffers = 30
	// DefaultNumBuckets is the default number of hash buckets.
	DefaultNumBuckets = 13
)

// Disk transfers blocks between buffers and secondary storage. Transfer is
// synchronous: when it returns, data has been filled from (write == false) or
// flushed to (write == true) block blockno of device dev.
type Disk interface {
	Transfer(dev, blockno uint32, data []byte, write bool) error
}

// Clock is a source of monotonically increasing timestamps used to rank
// unreferenced buffers for eviction.
type Clock interface {
	Now() uint64
}

// LogicalClock is a Clock that advances by one on every reading, so no two
// readings are equal.
type LogicalClock struct {
	t atomic.Uint64
}

// Now implements Clock.
func (c *LogicalClock) Now() uint64 {
	return c.t.Add(1)
}

// MonoClock is a Clock that reads the monotonic wall clock in nanoseconds.
type MonoClock struct{}

// Now implements Clock.
func (MonoClock) Now() uint64 {
	return uint64(crtime.NowMono())
}

// Options configure a Cache. The zero value is valid.
type Options struct {
	// NumBuffers is the number of buffers in the pool. Defaults to
	// DefaultNumBuffers.
	NumBuffers int
	// NumBuckets is the number of hash buckets. Defaults to
	// DefaultNumBuckets.
	NumBuckets int
	// Clock stamps buffers when their last reference is dropped. Defaults to
	// a LogicalClock.
	Clock Clock
	// Logger is used to report cache setup. Defaults to base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.NumBuffers <= 0 {
		o.NumBuffers = DefaultNumBuffers
	}
	if o.NumBuckets <= 0 {
		o.NumBuckets = DefaultNumBuckets
	}
	if o.Clock == nil {
		o.Clock = &LogicalClock{}
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// Validate verifies that the options are mutually consistent.
func (o *Options) Validate() error {
	if o.NumBuffers > 1<<30 {
		return errors.Errorf("bcache: NumBuffers (%d) must be <= %d", o.NumBuffers, 1<<30)
	}
	if o.NumBuckets > o.NumBuffers*4 && o.NumBuckets > DefaultNumBuckets {
		return errors.Errorf("bcache: NumBuckets (%d) must be <= 4 * NumBuffers (%d)",
			o.NumBuckets, o.NumBuffers)
	}
	return nil
}
