// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package physmem models the machine's physical memory as a single
// preallocated arena.
//
// Physical addresses run from KernBase to PhysTop. The kernel image occupies
// [KernBase, KernelEnd); every page at or above KernelEnd may be handed out by
// the page allocator. The arena is allocated outside the Go heap where the
// platform allows it (see mmap_unix.go) so that pages are never scanned or
// moved by the garbage collector and ownership is managed explicitly.
package physmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/internal/invariants"
	"github.com/cockroachdb/redact"
)

// PageSize is the size of a physical page in bytes.
const PageSize = 4096

// Addr is a physical address.
type Addr uint64

// PageRoundUp rounds a up to a page boundary.
func PageRoundUp(a Addr) Addr {
	return (a + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds a down to a page boundary.
func PageRoundDown(a Addr) Addr {
	return a &^ (PageSize - 1)
}

// Aligned returns true if a is on a page boundary.
func (a Addr) Aligned() bool {
	return a%PageSize == 0
}

// SafeFormat implements redact.SafeFormatter.
func (a Addr) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%#x", redact.Safe(uint64(a)))
}

// String implements fmt.Stringer.
func (a Addr) String() string {
	return redact.StringWithoutMarkers(a)
}

// Layout describes the physical address space.
type Layout struct {
	// KernBase is the first physical address of RAM. The kernel image is
	// loaded here.
	KernBase Addr
	// KernelEnd is the first address after the kernel image. It need not be
	// page aligned.
	KernelEnd Addr
	// PhysTop is the first address after RAM.
	PhysTop Addr
}

// Validate checks that the layout describes a non-empty region of RAM above
// the kernel image.
func (l Layout) Validate() error {
	switch {
	case !l.KernBase.Aligned():
		return errors.Errorf("physmem: kernel base %s is not page aligned", l.KernBase)
	case !l.PhysTop.Aligned():
		return errors.Errorf("physmem: top of memory %s is not page aligned", l.PhysTop)
	case l.KernelEnd < l.KernBase:
		return errors.Errorf("physmem: kernel end %s below kernel base %s", l.KernelEnd, l.KernBase)
	case PageRoundUp(l.KernelEnd) >= l.PhysTop:
		return errors.Errorf("physmem: no memory above kernel end %s (top %s)", l.KernelEnd, l.PhysTop)
	case uint64(l.PhysTop-l.KernBase) > maxArenaSize:
		return errors.Errorf("physmem: memory size %d exceeds %d", uint64(l.PhysTop-l.KernBase), uint64(maxArenaSize))
	}
	return nil
}

// NumPages returns the number of whole pages in [KernelEnd, PhysTop).
func (l Layout) NumPages() int {
	return int(invariants.SafeSub(l.PhysTop, PageRoundUp(l.KernelEnd)) / PageSize)
}

func (l Layout) String() string {
	return fmt.Sprintf("[%s, %s) kernel end %s", l.KernBase, l.PhysTop, l.KernelEnd)
}

// Memory is the physical memory arena.
type Memory struct {
	layout Layout
	// buf backs [KernBase, PhysTop).
	buf []byte
}

// New allocates the arena for the given layout.
func New(l Layout) (*Memory, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	buf, err := mapArena(int(l.PhysTop - l.KernBase))
	if err != nil {
		return nil, errors.Wrapf(err, "physmem: allocating %d bytes", uint64(l.PhysTop-l.KernBase))
	}
	return &Memory{layout: l, buf: buf}, nil
}

// Close releases the arena. No page may be accessed afterwards.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}
	err := unmapArena(m.buf)
	m.buf = nil
	return err
}

// Layout returns the layout the memory was created with.
func (m *Memory) Layout() Layout { return m.layout }

// KernBase returns the first physical address of RAM.
func (m *Memory) KernBase() Addr { return m.layout.KernBase }

// KernelEnd returns the first address after the kernel image.
func (m *Memory) KernelEnd() Addr { return m.layout.KernelEnd }

// PhysTop returns the first address after RAM.
func (m *Memory) PhysTop() Addr { return m.layout.PhysTop }

// Allocatable returns true if a is a page-aligned address in
// [KernelEnd, PhysTop), i.e. a page that may be owned by the page allocator.
func (m *Memory) Allocatable(a Addr) bool {
	return a.Aligned() && a >= m.layout.KernelEnd && a < m.layout.PhysTop
}

// Page returns the PageSize bytes of the page at a. The address must be page
// aligned and lie in [KernBase, PhysTop).
func (m *Memory) Page(a Addr) []byte {
	if !a.Aligned() || a < m.layout.KernBase || a >= m.layout.PhysTop {
		panic(errors.AssertionFailedf("physmem: invalid page address %s", a))
	}
	off := int(a - m.layout.KernBase)
	return m.buf[off : off+PageSize : off+PageSize]
}

// Fill overwrites the page at a with b.
func (m *Memory) Fill(a Addr, b byte) {
	p := m.Page(a)
	for i := range p {
		p[i] = b
	}
}
