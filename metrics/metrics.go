// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package metrics exports buffer cache, page allocator and disk metrics to
// Prometheus.
package metrics

import (
	"strconv"

	"github.com/cockroachdb/kcore/bcache"
	"github.com/cockroachdb/kcore/disk"
	"github.com/cockroachdb/kcore/kalloc"
	"github.com/prometheus/client_golang/prometheus"
)

// Sources are the components whose metrics are exported. Nil sources are
// skipped.
type Sources struct {
	Cache *bcache.Cache
	Alloc *kalloc.Allocator
	Disk  *disk.Devices
}

// Collector implements prometheus.Collector. Every scrape reads the current
// metrics of its sources.
type Collector struct {
	src Sources

	cacheHits, cacheMisses, cacheEvictions *prometheus.Desc
	cacheReads, cacheWrites                *prometheus.Desc
	cacheInUse, cacheSize                  *prometheus.Desc

	allocs, frees, steals, failures *prometheus.Desc
	freePages                       *prometheus.Desc

	diskReads, diskWrites           *prometheus.Desc
	diskBytesRead, diskBytesWritten *prometheus.Desc
	diskThrottle                    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector exporting metrics of src under namespace.
func NewCollector(namespace string, src Sources) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		cacheHits:      desc("bcache", "hits_total", "Reads that found their block cached."),
		cacheMisses:    desc("bcache", "misses_total", "Reads that recycled a buffer."),
		cacheEvictions: desc("bcache", "evictions_total", "Valid blocks dropped from the cache."),
		cacheReads:     desc("bcache", "disk_reads_total", "Block reads issued by the cache."),
		cacheWrites:    desc("bcache", "disk_writes_total", "Block writes issued by the cache."),
		cacheInUse:     desc("bcache", "buffers_in_use", "Referenced buffers."),
		cacheSize:      desc("bcache", "buffers", "Buffers in the pool."),

		allocs:    desc("kalloc", "allocs_total", "Successful page allocations."),
		frees:     desc("kalloc", "frees_total", "Pages freed."),
		steals:    desc("kalloc", "steals_total", "Allocations satisfied from another processor's free list."),
		failures:  desc("kalloc", "failures_total", "Allocations that found no free page."),
		freePages: desc("kalloc", "free_pages", "Free pages per processor.", "cpu"),

		diskReads:        desc("disk", "reads_total", "Block reads."),
		diskWrites:       desc("disk", "writes_total", "Block writes."),
		diskBytesRead:    desc("disk", "read_bytes_total", "Bytes read."),
		diskBytesWritten: desc("disk", "written_bytes_total", "Bytes written."),
		diskThrottle:     desc("disk", "throttle_seconds_total", "Time spent waiting for bandwidth."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	if c.src.Cache != nil {
		ch <- c.cacheHits
		ch <- c.cacheMisses
		ch <- c.cacheEvictions
		ch <- c.cacheReads
		ch <- c.cacheWrites
		ch <- c.cacheInUse
		ch <- c.cacheSize
	}
	if c.src.Alloc != nil {
		ch <- c.allocs
		ch <- c.frees
		ch <- c.steals
		ch <- c.failures
		ch <- c.freePages
	}
	if c.src.Disk != nil {
		ch <- c.diskReads
		ch <- c.diskWrites
		ch <- c.diskBytesRead
		ch <- c.diskBytesWritten
		ch <- c.diskThrottle
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	if c.src.Cache != nil {
		m := c.src.Cache.Metrics()
		counter(c.cacheHits, m.Hits)
		counter(c.cacheMisses, m.Misses)
		counter(c.cacheEvictions, m.Evictions)
		counter(c.cacheReads, m.DiskReads)
		counter(c.cacheWrites, m.DiskWrites)
		gauge(c.cacheInUse, m.InUse)
		gauge(c.cacheSize, m.Size)
	}
	if c.src.Alloc != nil {
		m := c.src.Alloc.Metrics()
		counter(c.allocs, m.Allocs)
		counter(c.frees, m.Frees)
		counter(c.steals, m.Steals)
		counter(c.failures, m.Failures)
		for i, n := range m.FreePages {
			gauge(c.freePages, int64(n), strconv.Itoa(i))
		}
	}
	if c.src.Disk != nil {
		m := c.src.Disk.Metrics()
		counter(c.diskReads, m.Reads)
		counter(c.diskWrites, m.Writes)
		counter(c.diskBytesRead, m.BytesRead)
		counter(c.diskBytesWritten, m.BytesWritten)
		ch <- prometheus.MustNewConstMetric(c.diskThrottle, prometheus.CounterValue, m.ThrottleWait.Seconds())
	}
}

// Latency holds operation latency histograms, in nanoseconds.
type Latency struct {
	Read    prometheus.Histogram
	Write   prometheus.Histogram
	Release prometheus.Histogram
	Alloc   prometheus.Histogram
	Free    prometheus.Histogram
}

// NewLatency returns latency histograms named under namespace.
func NewLatency(namespace string) *Latency {
	h := func(subsystem, name string, buckets []float64) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_latency_nanos",
			Buckets:   buckets,
		})
	}
	ioBuckets := prometheus.ExponentialBuckets(100, 4, 12)
	memBuckets := prometheus.ExponentialBuckets(10, 4, 10)
	return &Latency{
		Read:    h("bcache", "read", ioBuckets),
		Write:   h("bcache", "write", ioBuckets),
		Release: h("bcache", "release", memBuckets),
		Alloc:   h("kalloc", "alloc", memBuckets),
		Free:    h("kalloc", "free", memBuckets),
	}
}

// Register registers every histogram with r.
func (l *Latency) Register(r prometheus.Registerer) error {
	for _, h := range []prometheus.Histogram{l.Read, l.Write, l.Release, l.Alloc, l.Free} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
