// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package disk

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/internal/base"
	"github.com/cockroachdb/kcore/vfs"
	"github.com/cockroachdb/kcore/vfs/errorfs"
	"github.com/stretchr/testify/require"
)

func block(s string) []byte {
	b := make([]byte, bcache.BlockSize)
	copy(b, s)
	return b
}

func openTestDevices(t *testing.T, opts Options) *Devices {
	if opts.FS == nil {
		opts.FS = vfs.NewMem()
	}
	opts.Logger = base.NoopLogger{}
	d, err := Open(&opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func TestTransfer(t *testing.T) {
	fs := vfs.NewMem()
	d := openTestDevices(t, Options{FS: fs, Dir: "dev"})

	// Unwritten blocks read as zeroes, even past the end of the image.
	data := block("garbage")
	require.NoError(t, d.Transfer(1, 5, data, false))
	require.Equal(t, make([]byte, bcache.BlockSize), data)

	require.NoError(t, d.Transfer(1, 3, block("three"), true))
	require.NoError(t, d.Transfer(2, 3, block("other device"), true))

	require.NoError(t, d.Transfer(1, 3, data, false))
	require.Equal(t, block("three"), data)
	require.NoError(t, d.Transfer(2, 3, data, false))
	require.Equal(t, block("other device"), data)

	fi, err := fs.Stat(d.Path(1))
	require.NoError(t, err)
	require.EqualValues(t, 4*bcache.BlockSize, fi.Size())
	names, err := fs.List("dev")
	require.NoError(t, err)
	require.Equal(t, []string{"disk1.img", "disk2.img"}, names)

	m := d.Metrics()
	require.EqualValues(t, 3, m.Reads)
	require.EqualValues(t, 2, m.Writes)
	require.EqualValues(t, 2*bcache.BlockSize, m.BytesWritten)
	require.Contains(t, m.String(), "throttled=0s")
}

func TestTransferErrors(t *testing.T) {
	d := openTestDevices(t, Options{NumBlocks: 8})
	err := d.Transfer(1, 8, block(""), true)
	require.EqualError(t, err, "disk: block 8 out of range for device 1 (8 blocks)")
	require.Error(t, d.Transfer(1, 0, make([]byte, 10), false))

	toggle := &errorfs.Toggle{Injector: errorfs.Always()}
	d = openTestDevices(t, Options{FS: errorfs.Wrap(vfs.NewMem(), toggle)})
	require.NoError(t, d.Attach(1))
	toggle.On()
	err = d.Transfer(1, 0, block(""), false)
	require.True(t, errors.Is(err, errorfs.ErrInjected))
	require.Contains(t, err.Error(), "disk: reading device 1 block 0")
	err = d.Transfer(2, 0, block(""), false)
	require.Contains(t, err.Error(), "disk: attaching device 2")
	toggle.Off()
}

// TestCacheRoundTrip writes a block through the buffer cache, forces it out
// of the cache, and reads it back from the device.
func TestCacheRoundTrip(t *testing.T) {
	d := openTestDevices(t, Options{})
	c := bcache.New(d, &bcache.Options{NumBuffers: 2, NumBuckets: 3, Logger: base.NoopLogger{}})

	h, err := c.Read(1, 7)
	require.NoError(t, err)
	copy(h.Data(), "persisted")
	require.NoError(t, c.Write(h))
	c.Release(h)

	for i := uint32(100); i < 104; i++ {
		h, err := c.Read(1, i)
		require.NoError(t, err)
		c.Release(h)
	}
	require.GreaterOrEqual(t, c.Metrics().Evictions, int64(1))

	reads := d.Metrics().Reads
	h, err = c.Read(1, 7)
	require.NoError(t, err)
	require.Equal(t, reads+1, d.Metrics().Reads)
	require.Equal(t, block("persisted"), h.Data())
	c.Release(h)
}

func TestCacheReadErrorPropagates(t *testing.T) {
	ii := errorfs.OnIndex(0, errorfs.OnOp(errorfs.OpFileReadAt, errorfs.Always()))
	d := openTestDevices(t, Options{FS: errorfs.Wrap(vfs.NewMem(), ii)})
	c := bcache.New(d, &bcache.Options{NumBuffers: 2, Logger: base.NoopLogger{}})

	_, err := c.Read(1, 1)
	require.ErrorIs(t, err, errorfs.ErrInjected)
	require.Contains(t, err.Error(), "bcache: reading block 1/1: disk: reading device 1 block 1")
	require.EqualValues(t, 0, c.Metrics().InUse)

	h, err := c.Read(1, 1)
	require.NoError(t, err)
	c.Release(h)
}

// TestCacheFlakyDevice writes blocks through the cache onto two devices, one
// of which fails about half of its writes. Failed writes are retried, and
// every block must read back from the devices with its last written contents.
func TestCacheFlakyDevice(t *testing.T) {
	const blocks = 40
	flaky := errorfs.PathMatch("*/disk2.img", errorfs.WithProbability(errorfs.OpKindWrite, 0.5, 7))
	d := openTestDevices(t, Options{FS: errorfs.Wrap(vfs.NewMem(), flaky), Dir: "dev"})
	c := bcache.New(d, &bcache.Options{NumBuffers: 4, Logger: base.NoopLogger{}})

	failures := map[uint32]int{}
	for dev := uint32(1); dev <= 2; dev++ {
		for b := uint32(0); b < blocks; b++ {
			h, err := c.Read(dev, b)
			require.NoError(t, err)
			copy(h.Data(), fmt.Sprintf("dev %d block %d", dev, b))
			for {
				err := c.Write(h)
				if err == nil {
					break
				}
				require.ErrorIs(t, err, errorfs.ErrInjected)
				require.Contains(t, err.Error(), fmt.Sprintf("disk: writing device %d block %d", dev, b))
				failures[dev]++
			}
			c.Release(h)
		}
	}
	require.Zero(t, failures[1])
	require.Greater(t, failures[2], 0)

	// Reads are never injected, and the cache holds only a few of the blocks,
	// so most reads below go to the devices.
	for dev := uint32(1); dev <= 2; dev++ {
		for b := uint32(0); b < blocks; b++ {
			h, err := c.Read(dev, b)
			require.NoError(t, err)
			require.Equal(t, block(fmt.Sprintf("dev %d block %d", dev, b)), h.Data())
			c.Release(h)
		}
	}
	require.EqualValues(t, 2*blocks+failures[2], d.Metrics().Writes)
}

func TestSyncWrites(t *testing.T) {
	for _, sync := range []bool{false, true} {
		t.Run(fmt.Sprint("sync=", sync), func(t *testing.T) {
			fs := vfs.NewCrashableMem()
			d := openTestDevices(t, Options{FS: fs, SyncWrites: sync})
			require.NoError(t, d.Transfer(1, 0, block("durable?"), true))

			crashed := fs.CrashClone(vfs.CrashCloneCfg{})
			d2 := openTestDevices(t, Options{FS: crashed})
			data := block("")
			require.NoError(t, d2.Transfer(1, 0, data, false))
			require.Equal(t, sync, bytes.Equal(block("durable?"), data))
		})
	}
}

func TestThrottle(t *testing.T) {
	const rate = 64 << 10
	d := openTestDevices(t, Options{BytesPerSec: rate})
	// The burst is rate/10, so the remaining writes must wait for roughly
	// 25.6KiB / 64KiB/s = 400ms.
	const n = 32
	start := time.Now()
	for i := uint32(0); i < n; i++ {
		require.NoError(t, d.Transfer(1, i, block("x"), true))
	}
	elapsed := time.Since(start)
	require.Greater(t, elapsed, 250*time.Millisecond)
	require.Greater(t, d.Metrics().ThrottleWait, time.Duration(0))
}
