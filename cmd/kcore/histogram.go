// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	minLatency = 10 * time.Nanosecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// opLatency records the latencies of one kind of operation, shared by every
// worker performing it. Values are also observed by prom, if set.
type opLatency struct {
	op   string
	prom prometheus.Observer
	mu   struct {
		sync.Mutex
		interval *hdrhistogram.Histogram
	}
	// total and lastTick are only accessed by the ticking goroutine.
	total    *hdrhistogram.Histogram
	lastTick time.Time
}

func (l *opLatency) Record(elapsed time.Duration) {
	elapsed = min(max(elapsed, minLatency), maxLatency)
	if l.prom != nil {
		l.prom.Observe(float64(elapsed.Nanoseconds()))
	}
	l.mu.Lock()
	err := l.mu.interval.RecordValue(elapsed.Nanoseconds())
	l.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("%s: recording latency: %s", l.op, err))
	}
}

// latencyTick is the latency of one operation over the interval ending at a
// tick, and since the start of the run.
type latencyTick struct {
	op       string
	interval *hdrhistogram.Histogram
	total    *hdrhistogram.Histogram
	elapsed  time.Duration
}

// latencies holds the opLatency of every operation of a run, in registration
// order.
type latencies struct {
	mu    sync.Mutex
	start time.Time
	ops   []*opLatency
}

func newLatencies() *latencies {
	return &latencies{start: time.Now()}
}

// Register returns the recorder of op, creating it on first use.
func (r *latencies) Register(op string, prom prometheus.Observer) *opLatency {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.ops {
		if l.op == op {
			return l
		}
	}
	l := &opLatency{op: op, prom: prom, total: newHistogram(), lastTick: r.start}
	l.mu.interval = newHistogram()
	r.ops = append(r.ops, l)
	return l
}

// Tick starts a new interval for every operation and calls fn with the
// interval that ended. Tick must not be called concurrently with itself.
func (r *latencies) Tick(fn func(latencyTick)) {
	r.mu.Lock()
	ops := append([]*opLatency(nil), r.ops...)
	r.mu.Unlock()

	now := time.Now()
	for _, l := range ops {
		l.mu.Lock()
		h := l.mu.interval
		l.mu.interval = newHistogram()
		l.mu.Unlock()

		l.total.Merge(h)
		fn(latencyTick{op: l.op, interval: h, total: l.total, elapsed: now.Sub(l.lastTick)})
		l.lastTick = now
	}
}
