// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sleeplock provides an exclusive lock that may be held for long
// periods, including across blocking I/O, and that remembers which
// acquisition holds it.
package sleeplock

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Token identifies one acquisition of a Lock. The zero Token never holds a
// lock.
type Token uint64

var tokens atomic.Uint64

// Lock is an exclusive lock. Waiters sleep on a condition variable until the
// holder releases the lock. The zero value is an unlocked Lock.
type Lock struct {
	mu      sync.Mutex
	cond    sync.Cond
	holder  Token
	waiters int
}

// Acquire blocks until the lock is free, takes it and returns the token of the
// acquisition.
func (l *Lock) Acquire() Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cond.L == nil {
		l.cond.L = &l.mu
	}
	for l.holder != 0 {
		l.waiters++
		l.cond.Wait()
		l.waiters--
	}
	l.holder = Token(tokens.Add(1))
	return l.holder
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire() (Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != 0 {
		return 0, false
	}
	l.holder = Token(tokens.Add(1))
	return l.holder, true
}

// Release releases the lock held by the acquisition t and wakes one waiter.
// It panics if t does not hold the lock.
func (l *Lock) Release(t Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t == 0 || l.holder != t {
		panic(errors.AssertionFailedf("sleeplock: release by non-holder"))
	}
	l.holder = 0
	if l.waiters > 0 {
		l.cond.Signal()
	}
}

// Holding returns true if the acquisition t holds the lock.
func (l *Lock) Holding(t Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return t != 0 && l.holder == t
}

// Locked returns true if any acquisition holds the lock.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != 0
}
