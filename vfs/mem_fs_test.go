// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func TestMemFSReadWriteAt(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("disk0.img")
	require.NoError(t, err)

	// Writing past the end grows the file with zeroes.
	n, err := f.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	fi, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 15, fi.Size())
	require.Equal(t, "disk0.img", fi.Name())

	buf := make([]byte, 15)
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 15, n)
	require.Equal(t, "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00hello", string(buf))

	n, err = f.ReadAt(buf, 12)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 3, n)
	require.Equal(t, "llo", string(buf[:n]))

	_, err = f.ReadAt(buf, 100)
	require.Equal(t, io.EOF, err)
	require.NoError(t, f.Close())

	ro, err := fs.Open("/disk0.img")
	require.NoError(t, err)
	_, err = ro.WriteAt([]byte("x"), 0)
	require.Error(t, err)
	require.NoError(t, ro.Close())

	require.Equal(t, "      15  /disk0.img\n", fs.String())
}

func TestMemFSNamespace(t *testing.T) {
	fs := NewMem()
	_, err := fs.Open("missing")
	require.True(t, oserror.IsNotExist(err))

	require.NoError(t, fs.MkdirAll("a/b", 0755))
	f, err := fs.OpenReadWrite("a/b/disk1.img")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	f, err = fs.Create(fs.PathJoin("a", "top.img"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	names, err := fs.List("a")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "top.img"}, names)

	fi, err := fs.Stat("a/b")
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	require.Error(t, fs.Remove("a/b"))
	require.NoError(t, fs.Remove("a/b/disk1.img"))
	require.NoError(t, fs.Remove("a/b"))
	require.True(t, oserror.IsNotExist(fs.Remove("a/b")))
}

func TestMemFSCrashClone(t *testing.T) {
	fs := NewCrashableMem()
	f, err := fs.Create("disk.img")
	require.NoError(t, err)

	block := func(c byte) []byte {
		b := make([]byte, crashBlockSize)
		for i := range b {
			b[i] = c
		}
		return b
	}
	_, err = f.WriteAt(block('a'), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	_, err = f.WriteAt(block('b'), crashBlockSize)
	require.NoError(t, err)

	read := func(fs *MemFS) []byte {
		f, err := fs.Open("disk.img")
		require.NoError(t, err)
		defer f.Close()
		fi, err := f.Stat()
		require.NoError(t, err)
		buf := make([]byte, fi.Size())
		_, err = f.ReadAt(buf, 0)
		require.NoError(t, err)
		return buf
	}

	// Only synced data survives.
	require.Equal(t, block('a'), read(fs.CrashClone(CrashCloneCfg{})))

	// Everything survives.
	all := fs.CrashClone(CrashCloneCfg{
		UnsyncedDataPercent: 100,
		RNG:                 rand.New(rand.NewPCG(1, 1)),
	})
	require.Equal(t, append(block('a'), block('b')...), read(all))

	require.Panics(t, func() { NewMem().CrashClone(CrashCloneCfg{}) })
}

func TestDefaultFS(t *testing.T) {
	dir := t.TempDir()
	name := Default.PathJoin(dir, "disk.img")
	f, err := Default.OpenReadWrite(name)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("block"), 1024)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	fi, err := Default.Stat(name)
	require.NoError(t, err)
	require.EqualValues(t, 1029, fi.Size())

	names, err := Default.List(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"disk.img"}, names)
	require.NoError(t, Default.Remove(name))
}
