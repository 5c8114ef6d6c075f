// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package physmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testLayout() Layout {
	return Layout{
		KernBase:  0x80000000,
		KernelEnd: 0x80000000 + 2*PageSize + 123,
		PhysTop:   0x80000000 + 16*PageSize,
	}
}

func TestRounding(t *testing.T) {
	require.Equal(t, Addr(0x1000), PageRoundUp(0x1))
	require.Equal(t, Addr(0x1000), PageRoundUp(0x1000))
	require.Equal(t, Addr(0x1000), PageRoundDown(0x1fff))
	require.True(t, Addr(0x3000).Aligned())
	require.False(t, Addr(0x3001).Aligned())
	require.Equal(t, "0x3000", Addr(0x3000).String())
}

func TestLayoutValidate(t *testing.T) {
	l := testLayout()
	require.NoError(t, l.Validate())
	require.Equal(t, 13, l.NumPages())

	bad := l
	bad.KernBase++
	require.Error(t, bad.Validate())

	bad = l
	bad.PhysTop++
	require.Error(t, bad.Validate())

	bad = l
	bad.KernelEnd = bad.KernBase - 1
	require.Error(t, bad.Validate())

	bad = l
	bad.KernelEnd = bad.PhysTop - 1
	require.Error(t, bad.Validate())
}

func TestMemory(t *testing.T) {
	m, err := New(testLayout())
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	first := PageRoundUp(m.KernelEnd())
	require.True(t, m.Allocatable(first))
	require.False(t, m.Allocatable(first+1))
	require.False(t, m.Allocatable(PageRoundDown(m.KernelEnd())))
	require.False(t, m.Allocatable(m.PhysTop()))

	m.Fill(first, 0xaa)
	p := m.Page(first)
	require.Len(t, p, PageSize)
	for _, b := range p {
		require.Equal(t, byte(0xaa), b)
	}
	// Neighbouring pages are untouched.
	require.Equal(t, byte(0), m.Page(first + PageSize)[0])

	require.Panics(t, func() { m.Page(first + 1) })
	require.Panics(t, func() { m.Page(m.PhysTop()) })
}
