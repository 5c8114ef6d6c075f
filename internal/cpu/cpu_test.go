// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cpu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntime(t *testing.T) {
	l := Runtime(3)
	require.Equal(t, 3, l.Count())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if id := l.Current(); id < 0 || id >= 3 {
					t.Errorf("processor %d out of range", id)
				}
			}
		}()
	}
	wg.Wait()
}

func TestRuntimeDefault(t *testing.T) {
	require.Greater(t, Runtime(0).Count(), 0)
}

func TestManual(t *testing.T) {
	m := NewManual(4)
	require.Equal(t, ID(0), m.Current())
	m.Set(3)
	require.Equal(t, ID(3), m.Current())
	require.Panics(t, func() { m.Set(4) })
	require.Panics(t, func() { m.Set(-1) })
	require.Panics(t, func() { NewManual(0) })
}
