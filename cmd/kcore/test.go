// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore"
	"github.com/cockroachdb/kcore/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func startCPUProfile() func() {
	f, err := os.Create("cpu.prof")
	if err != nil {
		log.Fatal(err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		log.Fatal(err)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}

// loadOptions returns the kernel options for a run storing device images in
// dir.
func loadOptions(dir string) (*kcore.Options, error) {
	opts := &kcore.Options{DiskDir: dir}
	if optionsPath != "" {
		b, err := os.ReadFile(optionsPath)
		if err != nil {
			return nil, err
		}
		if err := opts.Parse(string(b)); err != nil {
			return nil, err
		}
		opts.DiskDir = dir
	}
	if numBuffers > 0 {
		opts.NumBuffers = numBuffers
	}
	if !verbose {
		opts.Logger = quietLogger{}
	}
	return opts.EnsureDefaults(), nil
}

type quietLogger struct{}

func (quietLogger) Infof(format string, args ...interface{})  {}
func (quietLogger) Errorf(format string, args ...interface{}) { log.Printf(format, args...) }
func (quietLogger) Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }

type test struct {
	// init starts the workers of the test in g. Workers must return when ctx
	// is canceled.
	init func(ctx context.Context, k *kcore.Kernel, lat *metrics.Latency, g *errgroup.Group)
	tick func(elapsed time.Duration, i int)
	done func(k *kcore.Kernel, elapsed time.Duration)
}

func runTest(dir string, t test) error {
	if wipe {
		fmt.Printf("wiping %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}

	opts, err := loadOptions(dir)
	if err != nil {
		return err
	}
	fmt.Printf("dir %s\nconcurrency %d\n", dir, concurrency)

	k, err := kcore.Open(opts)
	if err != nil {
		return err
	}
	defer k.Close()

	lat := metrics.NewLatency("kcore")
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector("kcore", metrics.Sources{
			Cache: k.Cache(),
			Alloc: k.Allocator(),
			Disk:  k.Devices(),
		}))
		if err := lat.Register(reg); err != nil {
			return err
		}
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		fmt.Printf("serving metrics on %s\n", metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if duration > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, duration)
		defer c()
	}

	g, gctx := errgroup.WithContext(ctx)
	t.init(gctx, k, lat, g)
	workersDone := make(chan error, 1)
	go func() { workersDone <- g.Wait() }()

	if cpuProfile {
		stopProf := startCPUProfile()
		defer stopProf()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	for i := 0; ; i++ {
		select {
		case <-ticker.C:
			t.tick(time.Since(start), i)

		case err := <-workersDone:
			t.done(k, time.Since(start))
			return err
		}
	}
}
