// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	concurrency int
	cpuProfile  bool
	duration    time.Duration
	metricsAddr string
	numBuffers  int
	optionsPath string
	verbose     bool
	wipe        bool
)

var rootCmd = &cobra.Command{
	Use:   "kcore [command] (flags)",
	Short: "kcore buffer cache and page allocator benchmarking tool",
	Long:  ``,
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "benchmarks",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	benchCmd.AddCommand(benchCacheCmd, benchAllocCmd)
	rootCmd.AddCommand(benchCmd, stressCmd, optionsCmd)

	for _, cmd := range []*cobra.Command{benchCacheCmd, benchAllocCmd, stressCmd} {
		cmd.Flags().IntVarP(
			&concurrency, "concurrency", "c", 4, "number of concurrent workers")
		cmd.Flags().BoolVar(
			&cpuProfile, "cpu-profile", false, "write a CPU profile to cpu.prof")
		cmd.Flags().DurationVarP(
			&duration, "duration", "d", 10*time.Second, "the duration to run (0, run forever)")
		cmd.Flags().StringVar(
			&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
		cmd.Flags().IntVar(
			&numBuffers, "buffers", 0, "number of buffer cache buffers (0 keeps the configured value)")
		cmd.Flags().StringVar(
			&optionsPath, "options", "", "read kernel options from this file")
		cmd.Flags().BoolVarP(
			&verbose, "verbose", "v", false, "enable verbose event logging")
		cmd.Flags().BoolVarP(
			&wipe, "wipe", "w", false, "wipe the device directory before starting")
	}

	benchCacheCmd.Flags().IntVar(
		&cacheConfig.blocks, "blocks", cacheConfig.blocks, "number of distinct blocks read")
	benchCacheCmd.Flags().IntVar(
		&cacheConfig.devices, "devices", cacheConfig.devices, "number of devices the blocks are spread over")
	benchCacheCmd.Flags().IntVar(
		&cacheConfig.writePercent, "write-percent", cacheConfig.writePercent,
		"percent (0-100) of reads followed by a write of the block")
	benchCacheCmd.Flags().Float64Var(
		&cacheConfig.skew, "skew", cacheConfig.skew,
		"zipf skew of block accesses (> 1), or 0 for uniform accesses")
	benchAllocCmd.Flags().IntVar(
		&allocConfig.batch, "batch", allocConfig.batch, "pages allocated before freeing them")

	stressCmd.Flags().IntVar(
		&stressConfig.blocksPerWorker, "blocks-per-worker", stressConfig.blocksPerWorker,
		"number of blocks owned by each worker")
	stressCmd.Flags().Int64Var(
		&stressConfig.seed, "seed", 1, "random seed")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
