// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore"
	"github.com/cockroachdb/kcore/kalloc"
	"github.com/cockroachdb/kcore/metrics"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var cacheConfig = struct {
	blocks       int
	devices      int
	writePercent int
	skew         float64
}{
	blocks:  1000,
	devices: 1,
}

var allocConfig = struct {
	batch int
}{
	batch: 16,
}

var benchCacheCmd = &cobra.Command{
	Use:   "cache <dir>",
	Short: "run the buffer cache benchmark",
	Long: `
Run concurrent block reads, and optionally writes, through the buffer cache.
Device images are stored in <dir>.
`,
	Args: cobra.ExactArgs(1),
	RunE: runBenchCache,
}

var benchAllocCmd = &cobra.Command{
	Use:   "alloc <dir>",
	Short: "run the page allocator benchmark",
	Long: `
Run concurrent page allocations and frees. Each worker allocates a batch of
pages, touches them and frees them again.
`,
	Args: cobra.ExactArgs(1),
	RunE: runBenchAlloc,
}

func runBenchCache(cmd *cobra.Command, args []string) error {
	if cacheConfig.blocks <= 0 || cacheConfig.devices <= 0 {
		return errors.New("--blocks and --devices must be positive")
	}
	if cacheConfig.skew != 0 && cacheConfig.skew <= 1 {
		return errors.Newf("--skew must be > 1, got %.2f", cacheConfig.skew)
	}
	reg := newLatencies()

	return runTest(args[0], test{
		init: func(ctx context.Context, k *kcore.Kernel, lat *metrics.Latency, g *errgroup.Group) {
			c := k.Cache()
			for i := 0; i < concurrency; i++ {
				readLat := reg.Register("read", lat.Read)
				writeLat := reg.Register("write", lat.Write)
				releaseLat := reg.Register("release", lat.Release)
				rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
				next := func() uint64 { return uint64(rng.Intn(cacheConfig.blocks)) }
				if cacheConfig.skew > 0 {
					z := rand.NewZipf(rng, cacheConfig.skew, 1, uint64(cacheConfig.blocks-1))
					next = z.Uint64
				}
				g.Go(func() error {
					for ctx.Err() == nil {
						n := next()
						dev := uint32(n%uint64(cacheConfig.devices)) + 1
						blockno := uint32(n / uint64(cacheConfig.devices))

						start := time.Now()
						h, err := c.Read(dev, blockno)
						if err != nil {
							return err
						}
						readLat.Record(time.Since(start))

						if rng.Intn(100) < cacheConfig.writePercent {
							h.Data()[rng.Intn(len(h.Data()))]++
							start = time.Now()
							if err := c.Write(h); err != nil {
								c.Release(h)
								return err
							}
							writeLat.Record(time.Since(start))
						}

						start = time.Now()
						c.Release(h)
						releaseLat.Record(time.Since(start))
					}
					return nil
				})
			}
		},
		tick: tickPrinter(reg, "read"),
		done: donePrinter(reg),
	})
}

func runBenchAlloc(cmd *cobra.Command, args []string) error {
	if allocConfig.batch <= 0 {
		return errors.New("--batch must be positive")
	}
	reg := newLatencies()

	return runTest(args[0], test{
		init: func(ctx context.Context, k *kcore.Kernel, lat *metrics.Latency, g *errgroup.Group) {
			a := k.Allocator()
			for i := 0; i < concurrency; i++ {
				allocLat := reg.Register("alloc", lat.Alloc)
				freeLat := reg.Register("free", lat.Free)
				g.Go(func() error {
					pages := make([]kcore.PageAddr, 0, allocConfig.batch)
					for ctx.Err() == nil {
						for len(pages) < allocConfig.batch {
							start := time.Now()
							p, err := a.Alloc()
							if errors.Is(err, kalloc.ErrOutOfMemory) {
								break
							} else if err != nil {
								return err
							}
							allocLat.Record(time.Since(start))
							a.Page(p)[0] = byte(i)
							pages = append(pages, p)
						}
						for _, p := range pages {
							start := time.Now()
							a.Free(p)
							freeLat.Record(time.Since(start))
						}
						pages = pages[:0]
					}
					return nil
				})
			}
		},
		tick: tickPrinter(reg, "alloc"),
		done: donePrinter(reg),
	})
}

// tickPrinter prints the per-second throughput and latency of the histogram
// named name.
func tickPrinter(reg *latencies, name string) func(elapsed time.Duration, i int) {
	return func(elapsed time.Duration, i int) {
		if i%20 == 0 {
			fmt.Printf("_elapsed_op________ops/sec__p50(us)__p95(us)__p99(us)_pMax(us)\n")
		}
		reg.Tick(func(tick latencyTick) {
			if tick.op != name && !verbose {
				return
			}
			h := tick.interval
			fmt.Printf("%8s %-8s %10.1f %8.1f %8.1f %8.1f %8.1f\n",
				time.Duration(elapsed.Seconds()+0.5)*time.Second,
				tick.op,
				float64(h.TotalCount())/tick.elapsed.Seconds(),
				time.Duration(h.ValueAtQuantile(50)).Seconds()*1e6,
				time.Duration(h.ValueAtQuantile(95)).Seconds()*1e6,
				time.Duration(h.ValueAtQuantile(99)).Seconds()*1e6,
				time.Duration(h.ValueAtQuantile(100)).Seconds()*1e6,
			)
		})
	}
}

// donePrinter prints a summary table of every histogram followed by the
// kernel metrics.
func donePrinter(reg *latencies) func(k *kcore.Kernel, elapsed time.Duration) {
	return func(k *kcore.Kernel, elapsed time.Duration) {
		tbl := tablewriter.NewWriter(os.Stdout)
		tbl.SetHeader([]string{"op", "ops", "ops/sec", "avg(us)", "p50(us)", "p95(us)", "p99(us)", "pMax(us)"})
		us := func(v int64) string {
			return fmt.Sprintf("%.1f", time.Duration(v).Seconds()*1e6)
		}
		reg.Tick(func(tick latencyTick) {
			h := tick.total
			tbl.Append([]string{
				tick.op,
				string(crhumanize.Count(h.TotalCount(), crhumanize.Compact)),
				fmt.Sprintf("%.1f", float64(h.TotalCount())/elapsed.Seconds()),
				fmt.Sprintf("%.1f", h.Mean()/1e3),
				us(h.ValueAtQuantile(50)),
				us(h.ValueAtQuantile(95)),
				us(h.ValueAtQuantile(99)),
				us(h.ValueAtQuantile(100)),
			})
		})
		fmt.Printf("\nelapsed %s\n", elapsed.Round(time.Millisecond))
		tbl.Render()
		fmt.Print(k.Metrics())
	}
}
