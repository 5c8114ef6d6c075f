// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"math/rand"
	"runtime"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore"
	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/kalloc"
	"github.com/cockroachdb/kcore/metrics"
	"github.com/cockroachdb/swiss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var stressConfig = struct {
	blocksPerWorker int
	seed            int64
}{
	blocksPerWorker: 64,
}

var stressCmd = &cobra.Command{
	Use:   "stress <dir>",
	Short: "verify the buffer cache and page allocator under concurrency",
	Long: `
Run concurrent workers that each own a disjoint range of blocks and a
changing set of pages. Every block read is checked against the checksum of
the last write of that block, and every page is checked to be untouched by
other workers while it is allocated. The run fails on the first mismatch.
`,
	Args: cobra.ExactArgs(1),
	RunE: runStress,
}

func runStress(cmd *cobra.Command, args []string) error {
	if stressConfig.blocksPerWorker <= 0 {
		return errors.New("--blocks-per-worker must be positive")
	}
	// Stale images would not match the checksums of this run.
	wipe = true
	reg := newLatencies()

	return runTest(args[0], test{
		init: func(ctx context.Context, k *kcore.Kernel, lat *metrics.Latency, g *errgroup.Group) {
			for i := 0; i < concurrency; i++ {
				w := &stressWorker{
					id:       i,
					c:        k.Cache(),
					a:        k.Allocator(),
					rng:      rand.New(rand.NewSource(stressConfig.seed + int64(i))),
					readLat:  reg.Register("read", lat.Read),
					allocLat: reg.Register("alloc", lat.Alloc),
				}
				w.checksums.Init(stressConfig.blocksPerWorker)
				g.Go(func() error { return w.run(ctx) })
			}
		},
		tick: tickPrinter(reg, "read"),
		done: donePrinter(reg),
	})
}

type stressWorker struct {
	id  int
	c   *bcache.Cache
	a   *kalloc.Allocator
	rng *rand.Rand
	// checksums holds the checksum of the last write of each block owned by
	// the worker. Blocks that were never written are absent and read as
	// zeroes.
	checksums swiss.Map[uint32, uint64]
	pages     []kcore.PageAddr

	readLat, allocLat *opLatency
}

var zeroBlockChecksum = xxhash.Sum64(make([]byte, bcache.BlockSize))

func (w *stressWorker) run(ctx context.Context) error {
	defer func() {
		for _, p := range w.pages {
			w.a.Free(p)
		}
	}()
	for ctx.Err() == nil {
		var err error
		if w.rng.Intn(4) == 0 {
			err = w.pageOp()
		} else {
			err = w.blockOp()
		}
		if err != nil {
			return errors.Wrapf(err, "worker %d", w.id)
		}
	}
	return nil
}

func (w *stressWorker) blockOp() error {
	blockno := uint32(w.id*stressConfig.blocksPerWorker + w.rng.Intn(stressConfig.blocksPerWorker))
	start := time.Now()
	h, err := w.c.Read(1, blockno)
	if err != nil {
		return err
	}
	defer w.c.Release(h)
	w.readLat.Record(time.Since(start))

	want, ok := w.checksums.Get(blockno)
	if !ok {
		want = zeroBlockChecksum
	}
	if got := xxhash.Sum64(h.Data()); got != want {
		return errors.Errorf("block %s: checksum %016x, expected %016x", h.ID(), got, want)
	}

	if w.rng.Intn(2) == 0 {
		w.rng.Read(h.Data())
		if err := w.c.Write(h); err != nil {
			return err
		}
		w.checksums.Put(blockno, xxhash.Sum64(h.Data()))
	}
	return nil
}

// pageOp either allocates a page and stamps it with the worker's identity, or
// verifies and frees one of the worker's pages.
func (w *stressWorker) pageOp() error {
	if len(w.pages) > 0 && w.rng.Intn(2) == 0 {
		i := w.rng.Intn(len(w.pages))
		p := w.pages[i]
		if err := w.checkStamp(p); err != nil {
			return err
		}
		w.pages[i] = w.pages[len(w.pages)-1]
		w.pages = w.pages[:len(w.pages)-1]
		w.a.Free(p)
		return nil
	}

	start := time.Now()
	p, err := w.a.Alloc()
	if errors.Is(err, kalloc.ErrOutOfMemory) {
		return nil
	} else if err != nil {
		return err
	}
	w.allocLat.Record(time.Since(start))
	page := w.a.Page(p)
	for i, b := range page {
		if b != kalloc.AllocJunk {
			return errors.Errorf("page %s: byte %d is %#x, expected junk %#x", p, i, b, kalloc.AllocJunk)
		}
	}
	w.stamp(page)
	w.pages = append(w.pages, p)
	// Give other workers a chance to scribble on the page.
	runtime.Gosched()
	return w.checkStamp(p)
}

func (w *stressWorker) stamp(page []byte) {
	for i := range page {
		page[i] = byte(w.id)
	}
}

func (w *stressWorker) checkStamp(p kcore.PageAddr) error {
	page := w.a.Page(p)
	for i, b := range page {
		if b != byte(w.id) {
			return errors.Errorf("page %s: byte %d is %#x, expected %#x", p, i, b, byte(w.id))
		}
	}
	return nil
}
