// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cpu identifies the processor executing a goroutine.
//
// Per-processor data structures are indexed by the processor that executes an
// operation. A goroutine may migrate between processors at any preemption
// point, so the identity is only meaningful for the instant it is read: the
// lookup itself runs with preemption suspended, which guarantees that the
// returned ID named the processor that executed the lookup. Callers use the ID
// to select a lock and must then perform all mutation under that lock, never
// under the assumption that they are still running on the same processor.
package cpu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	_ "unsafe" // for go:linkname
)

// ID identifies a processor. IDs are dense in [0, Count()).
type ID int

// Locator reports the processor executing the caller.
type Locator interface {
	// Count returns the number of processors. It is fixed for the lifetime of
	// the Locator.
	Count() int
	// Current returns the processor executing the caller.
	Current() ID
}

// The go:linkname directives provide backdoor access to private functions in
// the runtime. procPin disables preemption of the calling goroutine and
// returns the id of the P it is running on; procUnpin re-enables it.

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

// Runtime returns a Locator that maps the Go scheduler's processors (Ps) onto
// n processor IDs. If n <= 0, GOMAXPROCS is used.
func Runtime(n int) Locator {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return runtimeLocator{n: n}
}

type runtimeLocator struct {
	n int
}

func (l runtimeLocator) Count() int { return l.n }

func (l runtimeLocator) Current() ID {
	p := runtime_procPin()
	id := ID(p % l.n)
	runtime_procUnpin()
	return id
}

func (l runtimeLocator) String() string {
	return fmt.Sprintf("runtime(%d)", l.n)
}

// Manual is a Locator whose current processor is set explicitly. It is used to
// drive per-processor code deterministically in tests and tools.
type Manual struct {
	n   int
	cur atomic.Int64
}

var _ Locator = (*Manual)(nil)

// NewManual returns a Manual locator over n processors, initially reporting
// processor 0.
func NewManual(n int) *Manual {
	if n <= 0 {
		panic(fmt.Sprintf("cpu: invalid processor count %d", n))
	}
	return &Manual{n: n}
}

// Count implements Locator.
func (m *Manual) Count() int { return m.n }

// Current implements Locator.
func (m *Manual) Current() ID { return ID(m.cur.Load()) }

// Set changes the processor reported by Current.
func (m *Manual) Set(id ID) {
	if int(id) < 0 || int(id) >= m.n {
		panic(fmt.Sprintf("cpu: processor %d out of range [0, %d)", id, m.n))
	}
	m.cur.Store(int64(id))
}

func (m *Manual) String() string {
	return fmt.Sprintf("manual(%d)", m.n)
}
