// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sleeplock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	var l Lock
	require.False(t, l.Locked())
	require.False(t, l.Holding(0))

	t1 := l.Acquire()
	require.True(t, l.Holding(t1))
	require.True(t, l.Locked())
	_, ok := l.TryAcquire()
	require.False(t, ok)

	l.Release(t1)
	require.False(t, l.Holding(t1))
	require.Panics(t, func() { l.Release(t1) })

	t2, ok := l.TryAcquire()
	require.True(t, ok)
	require.NotEqual(t, t1, t2)
	// A stale token never matches a later acquisition.
	require.False(t, l.Holding(t1))
	require.Panics(t, func() { l.Release(t1) })
	l.Release(t2)
}

func TestLockBlocks(t *testing.T) {
	var l Lock
	tok := l.Acquire()

	acquired := make(chan Token)
	go func() {
		acquired <- l.Acquire()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(10 * time.Millisecond):
	}
	l.Release(tok)
	l.Release(<-acquired)
}

func TestLockMutualExclusion(t *testing.T) {
	var l Lock
	var counter int
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				tok := l.Acquire()
				counter++
				l.Release(tok)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 8000, counter)
}
