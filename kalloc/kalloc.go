// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package kalloc implements the physical page allocator.
//
// All pages of physical memory above the kernel image are owned by the
// allocator until handed out by Alloc, and by the caller of Alloc until handed
// back by Free. To avoid contention on the allocator's lock, which every page
// allocation and release would otherwise take, free pages are kept on one free
// list per processor. Alloc pops from the list of the processor executing it
// and, if that list is empty, steals a page from the first non-empty list of
// another processor. Free pushes onto the list of the processor executing it,
// which need not be the processor the page was allocated from: the processor
// that last used a page is credited with it. This is a locality heuristic and
// callers must not rely on any affinity between pages and processors.
//
// A free list is threaded through the free pages themselves: the first eight
// bytes of a free page hold the address of the next free page on the same
// list. A page is therefore on exactly one free list or allocated, never both.
package kalloc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/internal/base"
	"github.com/cockroachdb/kcore/internal/cpu"
	"github.com/cockroachdb/kcore/internal/invariants"
	"github.com/cockroachdb/kcore/internal/physmem"
)

// ErrOutOfMemory is returned by Alloc when no processor has a free page.
var ErrOutOfMemory = errors.New("kalloc: out of memory")

// Junk written over pages on allocation and release, to surface reads of
// uninitialized memory and accesses through dangling references.
const (
	AllocJunk byte = 0x05
	FreeJunk  byte = 0x01
)

// noPage terminates a free list. It is never page aligned.
const noPage = physmem.Addr(math.MaxUint64)

// Options configure an Allocator.
type Options struct {
	// CPU identifies the processor executing an operation. Its Count
	// determines the number of free lists. Defaults to cpu.Runtime(0).
	CPU cpu.Locator
	// Logger is used to report allocator setup. Defaults to
	// base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.CPU == nil {
		o.CPU = cpu.Runtime(0)
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// freeList is the list of free pages credited to one processor.
type freeList struct {
	mu   sync.Mutex
	head physmem.Addr
	n    int
	// Pad to separate lists into cache lines. We assume 64 byte cache line
	// size.
	_ [40]byte
}

// Allocator hands out pages of physical memory.
type Allocator struct {
	mem    *physmem.Memory
	cpu    cpu.Locator
	logger base.Logger
	lists  []freeList

	metrics struct {
		allocs   atomic.Int64
		frees    atomic.Int64
		steals   atomic.Int64
		failures atomic.Int64
	}
}

// New creates an allocator owning every page in [mem.KernelEnd(),
// mem.PhysTop()). All pages are initially credited to the processor executing
// New.
func New(mem *physmem.Memory, opts *Options) *Allocator {
	opts = opts.EnsureDefaults()
	a := &Allocator{
		mem:    mem,
		cpu:    opts.CPU,
		logger: opts.Logger,
		lists:  make([]freeList, opts.CPU.Count()),
	}
	for i := range a.lists {
		a.lists[i].head = noPage
	}
	a.FreeRange(mem.KernelEnd(), mem.PhysTop())
	n := a.NumFree()
	a.logger.Infof("kalloc: %d free pages (%s) across %d cpus",
		n, crhumanize.Bytes(int64(n)*physmem.PageSize, crhumanize.Compact), len(a.lists))
	return a
}

// FreeRange frees every whole page in [start, end) onto the list of the
// processor executing FreeRange. start is rounded up to a page boundary.
func (a *Allocator) FreeRange(start, end physmem.Addr) {
	id := a.cpu.Current()
	for p := physmem.PageRoundUp(start); p+physmem.PageSize <= end; p += physmem.PageSize {
		a.free(p, id)
	}
}

// Alloc removes one page from the free lists and returns its address. The
// caller owns the page until it passes the address to Free. The page's
// contents are AllocJunk. If no page is free on any processor, Alloc returns
// ErrOutOfMemory; it never blocks waiting for a page to be freed.
func (a *Allocator) Alloc() (physmem.Addr, error) {
	id := a.cpu.Current()
	p, ok := a.lists[id].pop(a.mem)
	if !ok {
		for i := range a.lists {
			if cpu.ID(i) == id {
				continue
			}
			if p, ok = a.lists[i].pop(a.mem); ok {
				a.metrics.steals.Add(1)
				break
			}
		}
	}
	if !ok {
		a.metrics.failures.Add(1)
		return 0, ErrOutOfMemory
	}
	a.mem.Fill(p, AllocJunk)
	a.metrics.allocs.Add(1)
	return p, nil
}

// Free returns the page at p, which must have been returned by Alloc, to the
// allocator. The page is credited to the processor executing Free.
//
// Free panics if p is not page aligned, lies inside the kernel image or lies
// at or above the top of physical memory: these are programming errors from
// which there is no safe way to recover.
func (a *Allocator) Free(p physmem.Addr) {
	if !a.mem.Allocatable(p) {
		panic(errors.AssertionFailedf("kalloc: freeing invalid page %s", p))
	}
	if invariants.Enabled && invariants.Sometimes(10) {
		a.checkNotFree(p)
	}
	a.metrics.frees.Add(1)
	a.free(p, a.cpu.Current())
}

func (a *Allocator) free(p physmem.Addr, id cpu.ID) {
	a.mem.Fill(p, FreeJunk)
	a.lists[id].push(a.mem, p)
}

// Page returns the contents of the page at p.
func (a *Allocator) Page(p physmem.Addr) []byte {
	return a.mem.Page(p)
}

// NumCPU returns the number of per-processor free lists.
func (a *Allocator) NumCPU() int {
	return len(a.lists)
}

// NumFree returns the number of free pages across all processors.
func (a *Allocator) NumFree() int {
	var n int
	for i := range a.lists {
		l := &a.lists[i]
		l.mu.Lock()
		n += l.n
		l.mu.Unlock()
	}
	return n
}

// checkNotFree panics if p is already on a free list. It must be called
// before p is overwritten with junk, which would clobber its link.
func (a *Allocator) checkNotFree(p physmem.Addr) {
	for i := range a.lists {
		if a.lists[i].contains(a.mem, p) {
			panic(errors.AssertionFailedf("kalloc: page %s freed twice (on list of cpu %d)", p, i))
		}
	}
}

func (l *freeList) push(mem *physmem.Memory, p physmem.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	binary.LittleEndian.PutUint64(mem.Page(p), uint64(l.head))
	l.head = p
	l.n++
}

func (l *freeList) pop(mem *physmem.Memory) (physmem.Addr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.head
	if p == noPage {
		return 0, false
	}
	l.head = next(mem, p)
	l.n--
	return p, true
}

func (l *freeList) contains(mem *physmem.Memory, p physmem.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for q := l.head; q != noPage; q = next(mem, q) {
		if q == p {
			return true
		}
	}
	return false
}

func (l *freeList) appendTo(mem *physmem.Memory, buf []physmem.Addr) []physmem.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	for q := l.head; q != noPage; q = next(mem, q) {
		buf = append(buf, q)
	}
	return buf
}

func next(mem *physmem.Memory, p physmem.Addr) physmem.Addr {
	return physmem.Addr(binary.LittleEndian.Uint64(mem.Page(p)))
}

// Metrics holds metrics for the allocator.
type Metrics struct {
	// Allocs is the number of successful allocations.
	Allocs int64
	// Frees is the number of pages returned by Free.
	Frees int64
	// Steals is the number of allocations satisfied from another processor's
	// free list.
	Steals int64
	// Failures is the number of allocations that found no free page.
	Failures int64
	// FreePages is the number of free pages per processor.
	FreePages []int
}

// Metrics returns the metrics for the allocator.
func (a *Allocator) Metrics() Metrics {
	m := Metrics{
		Allocs:    a.metrics.allocs.Load(),
		Frees:     a.metrics.frees.Load(),
		Steals:    a.metrics.steals.Load(),
		Failures:  a.metrics.failures.Load(),
		FreePages: make([]int, len(a.lists)),
	}
	for i := range a.lists {
		l := &a.lists[i]
		l.mu.Lock()
		m.FreePages[i] = l.n
		l.mu.Unlock()
	}
	return m
}

// String pretty-prints the metrics.
func (m Metrics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "allocs=%d frees=%d steals=%d failures=%d\nfree:", m.Allocs, m.Frees, m.Steals, m.Failures)
	for i, n := range m.FreePages {
		fmt.Fprintf(&b, " cpu%d=%d", i, n)
	}
	return b.String()
}

// DebugString returns the contents of every free list, head first.
func (a *Allocator) DebugString() string {
	var b strings.Builder
	var buf []physmem.Addr
	for i := range a.lists {
		buf = a.lists[i].appendTo(a.mem, buf[:0])
		fmt.Fprintf(&b, "cpu%d:", i)
		for _, p := range buf {
			fmt.Fprintf(&b, " %s", p)
		}
		b.WriteString("\n")
	}
	return b.String()
}
