// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"math/rand/v2"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const sep = "/"

// crashBlockSize is the granularity at which CrashClone keeps or drops
// unsynced data.
const crashBlockSize = 1024

// NewMem returns a new memory-backed FS implementation.
//
// The namespace is flat: MkdirAll records directories so that List can report
// their contents, but files may be created in any directory.
func NewMem() *MemFS {
	return &MemFS{
		files: make(map[string]*memNode),
		dirs:  map[string]struct{}{sep: {}},
	}
}

// NewCrashableMem returns a memory-backed FS implementation that supports the
// CrashClone() method. CrashClone returns a copy of the FS after a simulated
// crash, where only data that was last synced is guaranteed to be there.
func NewCrashableMem() *MemFS {
	fs := NewMem()
	fs.crashable = true
	return fs
}

// MemFS implements FS.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memNode
	dirs  map[string]struct{}

	// cloneMu blocks all modification operations while we clone the file
	// system. Only used when crashable is true.
	cloneMu   sync.RWMutex
	crashable bool
}

var _ FS = &MemFS{}

func clean(name string) string {
	return path.Clean(sep + name)
}

// String dumps the contents of the MemFS.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()

	var buf bytes.Buffer
	names := slices.Sorted(maps.Keys(y.files))
	for _, name := range names {
		n := y.files[name]
		n.mu.Lock()
		fmt.Fprintf(&buf, "%8d  %s\n", len(n.mu.data), name)
		n.mu.Unlock()
	}
	return buf.String()
}

// CrashCloneCfg configures a CrashClone call. The zero value corresponds to the
// crash clone containing exactly the data that was last synced.
type CrashCloneCfg struct {
	// UnsyncedDataPercent is the probability that a data block that was not
	// synced will be part of the clone. If 0, the clone will contain exactly
	// the data that was last synced. If 100, the clone will be identical to
	// the current file system.
	UnsyncedDataPercent int
	// RNG must be set if UnsyncedDataPercent > 0.
	RNG *rand.Rand
}

// CrashClone creates a new file system that reflects a possible state of this
// file system after a crash at this moment. Every file that exists now exists
// in the clone, holding its synced data plus some fraction of its unsynced
// data as controlled by cfg.
func (y *MemFS) CrashClone(cfg CrashCloneCfg) *MemFS {
	if !y.crashable {
		panic(errors.AssertionFailedf("vfs: not a crashable MemFS"))
	}
	y.cloneMu.Lock()
	defer y.cloneMu.Unlock()
	y.mu.Lock()
	defer y.mu.Unlock()

	newFS := NewCrashableMem()
	maps.Copy(newFS.dirs, y.dirs)
	for name, n := range y.files {
		newFS.files[name] = n.crashClone(&cfg)
	}
	return newFS
}

func (y *MemFS) lockForWrite() func() {
	if !y.crashable {
		return func() {}
	}
	y.cloneMu.RLock()
	return y.cloneMu.RUnlock
}

// Create implements FS.Create.
func (y *MemFS) Create(name string) (File, error) {
	defer y.lockForWrite()()
	name = clean(name)
	if name == sep {
		return nil, errors.New("vfs: empty file name")
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.dirs[name]; ok {
		return nil, &os.PathError{Op: "create", Path: name, Err: errors.New("is a directory")}
	}
	n := &memNode{}
	n.mu.modTime = time.Now()
	y.files[name] = n
	return y.newFile(name, n, true), nil
}

// Open implements FS.Open.
func (y *MemFS) Open(name string) (File, error) {
	return y.open(name, false)
}

// OpenReadWrite implements FS.OpenReadWrite.
func (y *MemFS) OpenReadWrite(name string) (File, error) {
	return y.open(name, true)
}

func (y *MemFS) open(name string, write bool) (File, error) {
	if write {
		defer y.lockForWrite()()
	}
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.files[name]
	if !ok {
		if !write {
			return nil, &os.PathError{Op: "open", Path: name, Err: oserror.ErrNotExist}
		}
		n = &memNode{}
		n.mu.modTime = time.Now()
		y.files[name] = n
	}
	return y.newFile(name, n, write), nil
}

func (y *MemFS) newFile(name string, n *memNode, write bool) *memFile {
	n.refs.Add(1)
	return &memFile{name: path.Base(name), n: n, fs: y, write: write}
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(name string) error {
	defer y.lockForWrite()()
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.files[name]; ok {
		delete(y.files, name)
		return nil
	}
	if _, ok := y.dirs[name]; ok && name != sep {
		prefix := name + sep
		for f := range y.files {
			if strings.HasPrefix(f, prefix) {
				return &os.PathError{Op: "remove", Path: name, Err: oserror.ErrExist}
			}
		}
		delete(y.dirs, name)
		return nil
	}
	return &os.PathError{Op: "remove", Path: name, Err: oserror.ErrNotExist}
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dir string, perm os.FileMode) error {
	defer y.lockForWrite()()
	dir = clean(dir)
	y.mu.Lock()
	defer y.mu.Unlock()
	for d := dir; d != sep; d = path.Dir(d) {
		if _, ok := y.files[d]; ok {
			return &os.PathError{Op: "mkdir", Path: d, Err: errors.New("not a directory")}
		}
		y.dirs[d] = struct{}{}
	}
	return nil
}

// List implements FS.List.
func (y *MemFS) List(dir string) ([]string, error) {
	dir = clean(dir)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.dirs[dir]; !ok {
		return nil, &os.PathError{Op: "open", Path: dir, Err: oserror.ErrNotExist}
	}
	prefix := strings.TrimSuffix(dir, sep) + sep
	seen := make(map[string]struct{})
	add := func(p string) {
		if rest, ok := strings.CutPrefix(p, prefix); ok && rest != "" {
			rest, _, _ = strings.Cut(rest, sep)
			seen[rest] = struct{}{}
		}
	}
	for f := range y.files {
		add(f)
	}
	for d := range y.dirs {
		add(d)
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	name = clean(name)
	y.mu.Lock()
	n, ok := y.files[name]
	_, isDir := y.dirs[name]
	y.mu.Unlock()
	switch {
	case ok:
		return n.stat(path.Base(name)), nil
	case isDir:
		return &memFileInfo{name: path.Base(name), isDir: true}, nil
	default:
		return nil, &os.PathError{Op: "stat", Path: name, Err: oserror.ErrNotExist}
	}
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// memNode holds the contents of a file. A file may be open through several
// memFiles at once.
type memNode struct {
	refs atomic.Int32
	mu   struct {
		sync.Mutex
		data       []byte
		syncedData []byte
		modTime    time.Time
	}
}

func (n *memNode) stat(name string) *memFileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{name: name, size: int64(len(n.mu.data)), modTime: n.mu.modTime}
}

// crashClone returns a copy of n holding its synced data and, with the
// configured probability per block, its unsynced data.
func (n *memNode) crashClone(cfg *CrashCloneCfg) *memNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &memNode{}
	c.mu.data = slices.Clone(n.mu.syncedData)
	c.mu.modTime = n.mu.modTime
	for i := 0; i < len(n.mu.data); i += crashBlockSize {
		if cfg.UnsyncedDataPercent > 0 && cfg.RNG.IntN(100) < cfg.UnsyncedDataPercent {
			block := n.mu.data[i:min(i+crashBlockSize, len(n.mu.data))]
			if grow := i + len(block) - len(c.mu.data); grow > 0 {
				c.mu.data = append(c.mu.data, make([]byte, grow)...)
			}
			copy(c.mu.data[i:], block)
		}
	}
	c.mu.syncedData = slices.Clone(c.mu.data)
	return c
}

// memFile is a reader or writer of a node's data. Implements File.
type memFile struct {
	name  string
	n     *memNode
	fs    *MemFS
	write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if n := f.n.refs.Add(-1); n < 0 {
		panic(errors.AssertionFailedf("vfs: close of unopened file: %d", n))
	}
	// Cause a panic on any subsequent method call.
	f.n = nil
	return nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.mu.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if !f.write {
		return 0, errors.New("vfs: file was not opened for writing")
	}
	defer f.fs.lockForWrite()()
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.mu.modTime = time.Now()
	if grow := int(off) + len(p) - len(f.n.mu.data); grow > 0 {
		f.n.mu.data = append(f.n.mu.data, make([]byte, grow)...)
	}
	copy(f.n.mu.data[off:], p)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return f.n.stat(f.name), nil
}

func (f *memFile) Sync() error {
	if !f.fs.crashable {
		return nil
	}
	f.fs.cloneMu.RLock()
	defer f.fs.cloneMu.RUnlock()
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.mu.syncedData = append(f.n.mu.syncedData[:0], f.n.mu.data...)
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string {
	return f.name
}

func (f *memFileInfo) Size() int64 {
	return f.size
}

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0755
}

func (f *memFileInfo) ModTime() time.Time {
	return f.modTime
}

func (f *memFileInfo) IsDir() bool {
	return f.isDir
}

func (f *memFileInfo) Sys() interface{} {
	return nil
}
