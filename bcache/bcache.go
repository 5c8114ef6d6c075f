// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bcache implements the block buffer cache.
//
// The cache holds a fixed pool of buffers, each able to hold the contents of
// one disk block. Caching blocks in memory reduces the number of disk reads
// and provides a synchronization point for blocks used by several goroutines:
// at most one holder at a time may read or modify a buffer's payload.
//
//   - To get a buffer for a block, call Read.
//   - After changing the payload, call Write to write it to disk.
//   - When done with the buffer, call Release. Do not use the Handle
//     afterwards.
//   - Pin and Unpin keep a buffer resident across a Release without holding
//     it.
//
// # Sharding
//
// Buffers are hashed by (dev + blockno) mod NumBuckets into buckets, each with
// its own lock and singly-linked list of buffers. A cache hit takes only the
// lock of the block's bucket, so hits on different buckets proceed in
// parallel.
//
// On a miss the least recently released unreferenced buffer anywhere in the
// cache is recycled. Finding it requires looking at every bucket. Concurrent
// misses are serialized by a single eviction lock, which is always acquired
// before any bucket lock. Under the eviction lock buckets are scanned in
// index order and only the bucket containing the best candidate so far stays
// locked, so at most two bucket locks (the best candidate's and the one being
// scanned) are held at once, and they are acquired in index order. The victim
// is unlinked under its bucket's lock, which is then released, and spliced
// into the target bucket under that bucket's lock. A buffer's own lock is
// always acquired last and never while holding a bucket lock.
//
// Buffers are preallocated and addressed by index. Bucket lists link buffers
// through their index, with -1 terminating a list.
package bcache

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/internal/invariants"
	"github.com/cockroachdb/kcore/internal/sleeplock"
	"github.com/cockroachdb/redact"
)

// BlockID identifies a disk block.
type BlockID struct {
	Dev     uint32
	BlockNo uint32
}

// SafeFormat implements redact.SafeFormatter.
func (id BlockID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d/%d", redact.Safe(id.Dev), redact.Safe(id.BlockNo))
}

// String implements fmt.Stringer.
func (id BlockID) String() string {
	return redact.StringWithoutMarkers(id)
}

// buf is a buffer descriptor.
type buf struct {
	// id, assigned and next change only while the buffer is unreferenced
	// and the eviction lock is held. valid additionally changes under lock.
	id       BlockID
	assigned bool
	valid    bool
	next     int32
	// refcnt and timestamp are protected by the lock of the bucket the
	// buffer is linked into.
	refcnt    int32
	timestamp uint64
	// lock guards data.
	lock sleeplock.Lock
	data []byte
}

type bucket struct {
	mu   sync.Mutex
	head int32
}

// Cache is the buffer cache.
type Cache struct {
	disk  Disk
	clock Clock

	// evictMu serializes victim selection across buckets.
	evictMu sync.Mutex
	buckets []bucket
	bufs    []buf

	metrics struct {
		hits      atomic.Int64
		misses    atomic.Int64
		evictions atomic.Int64
		reads     atomic.Int64
		writes    atomic.Int64
	}
}

// New creates a cache of opts.NumBuffers buffers backed by d. Every buffer
// starts out invalid and unreferenced in bucket 0.
func New(d Disk, opts *Options) *Cache {
	opts = opts.EnsureDefaults()
	c := &Cache{
		disk:    d,
		clock:   opts.Clock,
		buckets: make([]bucket, opts.NumBuckets),
		bufs:    make([]buf, opts.NumBuffers),
	}
	for i := range c.buckets {
		c.buckets[i].head = -1
	}
	data := make([]byte, opts.NumBuffers*BlockSize)
	for i := range c.bufs {
		b := &c.bufs[i]
		b.data = data[i*BlockSize : (i+1)*BlockSize : (i+1)*BlockSize]
		b.next = c.buckets[0].head
		c.buckets[0].head = int32(i)
	}
	opts.Logger.Infof("bcache: %d buffers of %d bytes in %d buckets",
		len(c.bufs), BlockSize, len(c.buckets))
	return c
}

// Handle is a buffer whose lock is held by the caller. It is returned by Read
// and is valid until passed to Release.
type Handle struct {
	b   *buf
	tok sleeplock.Token
}

// ID returns the block held by the buffer.
func (h Handle) ID() BlockID { return h.b.id }

// Dev returns the device of the block held by the buffer.
func (h Handle) Dev() uint32 { return h.b.id.Dev }

// BlockNo returns the block number of the block held by the buffer.
func (h Handle) BlockNo() uint32 { return h.b.id.BlockNo }

// Data returns the buffer's payload. It may be read and modified until the
// handle is released.
func (h Handle) Data() []byte { return h.b.data }

func (c *Cache) bucket(id BlockID) *bucket {
	return &c.buckets[(id.Dev+id.BlockNo)%uint32(len(c.buckets))]
}

// Read returns a locked buffer holding the contents of block blockno of device
// dev. The block is read from disk only if the buffer does not already hold
// it. If the disk read fails, the buffer is released and the error returned.
func (c *Cache) Read(dev, blockno uint32) (Handle, error) {
	id := BlockID{Dev: dev, BlockNo: blockno}
	b := &c.bufs[c.get(id)]
	h := Handle{b: b, tok: b.lock.Acquire()}
	if !b.valid {
		c.metrics.reads.Add(1)
		if err := c.disk.Transfer(dev, blockno, b.data, false); err != nil {
			c.Release(h)
			return Handle{}, errors.Wrapf(err, "bcache: reading block %s", id)
		}
		b.valid = true
	}
	return h, nil
}

// Write writes the buffer's payload to disk. The caller must hold the buffer.
func (c *Cache) Write(h Handle) error {
	b := c.mustHold(h, "write")
	c.metrics.writes.Add(1)
	if err := c.disk.Transfer(b.id.Dev, b.id.BlockNo, b.data, true); err != nil {
		return errors.Wrapf(err, "bcache: writing block %s", b.id)
	}
	return nil
}

// Release releases the buffer. If no references remain, the buffer is stamped
// with the current time and becomes a candidate for eviction.
func (c *Cache) Release(h Handle) {
	b := c.mustHold(h, "release")
	b.lock.Release(h.tok)
	c.unref(b)
}

// Pin takes an additional reference on the buffer without holding it, which
// keeps the buffer from being evicted until Unpin. The caller must already
// have a reference, through a held handle or an earlier Pin.
func (c *Cache) Pin(h Handle) {
	b := mustRef(h)
	bk := c.bucket(b.id)
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if b.refcnt <= 0 {
		panic(errors.AssertionFailedf("bcache: pin of unreferenced block %s", b.id))
	}
	b.refcnt++
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(h Handle) {
	c.unref(mustRef(h))
}

func mustRef(h Handle) *buf {
	if h.b == nil {
		panic(errors.AssertionFailedf("bcache: zero handle"))
	}
	return h.b
}

func (c *Cache) unref(b *buf) {
	bk := c.bucket(b.id)
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if b.refcnt <= 0 {
		panic(errors.AssertionFailedf("bcache: negative reference count on block %s", b.id))
	}
	b.refcnt--
	if b.refcnt == 0 {
		b.timestamp = c.clock.Now()
	}
}

func (c *Cache) mustHold(h Handle, op redact.SafeString) *buf {
	if h.b == nil || !h.b.lock.Holding(h.tok) {
		panic(errors.AssertionFailedf("bcache: %s of buffer not held by caller", op))
	}
	return h.b
}

// lookupLocked returns the index of the buffer holding id in bk, or -1. bk.mu
// must be held.
func (c *Cache) lookupLocked(bk *bucket, id BlockID) int32 {
	for i := bk.head; i != -1; i = c.bufs[i].next {
		if c.bufs[i].assigned && c.bufs[i].id == id {
			return i
		}
	}
	return -1
}

// get returns the index of the buffer assigned to id, with a reference taken
// on behalf of the caller. The buffer's lock is not acquired.
func (c *Cache) get(id BlockID) int32 {
	bk := c.bucket(id)

	// Fast path: the block is cached.
	bk.mu.Lock()
	if i := c.lookupLocked(bk, id); i != -1 {
		c.bufs[i].refcnt++
		bk.mu.Unlock()
		c.metrics.hits.Add(1)
		return i
	}
	bk.mu.Unlock()

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	// The bucket lock was dropped above, so another goroutine may have cached
	// the block in the meantime. Only holders of evictMu relink buffers, so
	// the block cannot be cached behind our back once we hold it.
	bk.mu.Lock()
	if i := c.lookupLocked(bk, id); i != -1 {
		c.bufs[i].refcnt++
		bk.mu.Unlock()
		c.metrics.hits.Add(1)
		return i
	}
	bk.mu.Unlock()
	c.metrics.misses.Add(1)

	victimBucket, victim, prev := c.findVictim()
	if victim == -1 {
		panic(errors.AssertionFailedf("bcache: no unreferenced buffers for block %s", id))
	}

	// Unlink the victim under its bucket's lock, which findVictim left held.
	vbk := &c.buckets[victimBucket]
	v := &c.bufs[victim]
	if prev == -1 {
		vbk.head = v.next
	} else {
		c.bufs[prev].next = v.next
	}
	vbk.mu.Unlock()

	// The victim is unreachable from any bucket and unreferenced, so nothing
	// else can observe it until it is spliced into the target bucket.
	if v.valid {
		c.metrics.evictions.Add(1)
	}
	v.id = id
	v.assigned = true
	v.valid = false
	v.refcnt = 1

	bk.mu.Lock()
	v.next = bk.head
	bk.head = victim
	bk.mu.Unlock()

	if invariants.Enabled && invariants.Sometimes(25) {
		c.checkLinks()
	}
	return victim
}

// findVictim returns the unreferenced buffer with the smallest timestamp in
// the whole cache, along with the bucket containing it and its predecessor in
// that bucket's list (-1 if it is the head). The victim's bucket is returned
// locked. If every buffer is referenced, victim is -1 and no bucket is locked.
// evictMu must be held.
func (c *Cache) findVictim() (victimBucket int, victim, prev int32) {
	victimBucket, victim, prev = -1, -1, -1
	var best uint64
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.mu.Lock()
		found := false
		p := int32(-1)
		for j := bk.head; j != -1; p, j = j, c.bufs[j].next {
			b := &c.bufs[j]
			if b.refcnt == 0 && (victim == -1 || b.timestamp < best) {
				victim, prev, best = j, p, b.timestamp
				found = true
			}
		}
		if !found {
			bk.mu.Unlock()
			continue
		}
		if victimBucket != -1 {
			c.buckets[victimBucket].mu.Unlock()
		}
		victimBucket = i
	}
	return victimBucket, victim, prev
}

// checkLinks panics if some buffer is not linked into exactly one bucket.
// evictMu must be held.
func (c *Cache) checkLinks() {
	seen := make([]int, len(c.bufs))
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.mu.Lock()
		for j := bk.head; j != -1; j = c.bufs[j].next {
			seen[j]++
			if seen[j] > 1 {
				bk.mu.Unlock()
				panic(errors.AssertionFailedf("bcache: buffer %d linked twice", j))
			}
		}
		bk.mu.Unlock()
	}
	for j, n := range seen {
		if n != 1 {
			panic(errors.AssertionFailedf("bcache: buffer %d not linked", j))
		}
	}
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// Hits is the number of Reads that found their block assigned to a
	// buffer.
	Hits int64
	// Misses is the number of Reads that recycled a buffer.
	Misses int64
	// Evictions is the number of valid blocks dropped from the cache.
	Evictions int64
	// DiskReads and DiskWrites count transfers issued to the Disk.
	DiskReads  int64
	DiskWrites int64
	// InUse is the number of referenced buffers.
	InUse int64
	// Size is the number of buffers.
	Size int64
}

// Metrics returns the metrics for the cache.
func (c *Cache) Metrics() Metrics {
	m := Metrics{
		Hits:       c.metrics.hits.Load(),
		Misses:     c.metrics.misses.Load(),
		Evictions:  c.metrics.evictions.Load(),
		DiskReads:  c.metrics.reads.Load(),
		DiskWrites: c.metrics.writes.Load(),
		Size:       int64(len(c.bufs)),
	}
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.mu.Lock()
		for j := bk.head; j != -1; j = c.bufs[j].next {
			if c.bufs[j].refcnt > 0 {
				m.InUse++
			}
		}
		bk.mu.Unlock()
	}
	return m
}

// String pretty-prints the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("hits=%d misses=%d evictions=%d disk-reads=%d disk-writes=%d in-use=%d/%d",
		m.Hits, m.Misses, m.Evictions, m.DiskReads, m.DiskWrites, m.InUse, m.Size)
}

// DebugString returns the contents of every bucket, list head first.
func (c *Cache) DebugString() string {
	var sb strings.Builder
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.mu.Lock()
		fmt.Fprintf(&sb, "bucket %d:", i)
		for j := bk.head; j != -1; j = c.bufs[j].next {
			b := &c.bufs[j]
			if !b.assigned {
				fmt.Fprintf(&sb, " buf%d{-}", j)
				continue
			}
			fmt.Fprintf(&sb, " buf%d{%s ref=%d ts=%d", j, b.id, b.refcnt, b.timestamp)
			if !b.valid {
				sb.WriteString(" invalid")
			}
			sb.WriteString("}")
		}
		bk.mu.Unlock()
		sb.WriteString("\n")
	}
	return sb.String()
}
