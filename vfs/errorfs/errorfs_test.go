// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package errorfs

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/kcore/vfs"
	"github.com/stretchr/testify/require"
)

func TestOnIndex(t *testing.T) {
	ii := OnIndex(2, OnOp(OpFileWriteAt, Always()))
	fs := Wrap(vfs.NewMem(), ii)
	f, err := fs.Create("disk.img")
	require.NoError(t, err)

	buf := []byte("x")
	for i := 0; i < 2; i++ {
		_, err := f.WriteAt(buf, int64(i))
		require.NoError(t, err)
		// Reads are not counted.
		_, err = f.ReadAt(buf, 0)
		require.NoError(t, err)
	}
	_, err = f.WriteAt(buf, 2)
	require.True(t, errors.Is(err, ErrInjected))
	_, err = f.WriteAt(buf, 3)
	require.NoError(t, err)
	require.EqualValues(t, -2, ii.Index())
}

func TestPathMatchToggle(t *testing.T) {
	toggle := &Toggle{Injector: PathMatch("*.img", Always())}
	fs := Wrap(vfs.NewMem(), toggle)

	_, err := fs.Create("disk.img")
	require.NoError(t, err)

	toggle.On()
	_, err = fs.Create("disk.img")
	require.ErrorIs(t, err, ErrInjected)
	_, err = fs.Create("other.dat")
	require.NoError(t, err)
	_, err = fs.Stat("disk.img")
	require.ErrorIs(t, err, ErrInjected)

	toggle.Off()
	_, err = fs.Stat("disk.img")
	require.NoError(t, err)
}

func TestWithProbability(t *testing.T) {
	fs := Wrap(vfs.NewMem(), WithProbability(OpKindWrite, 1, 1))
	_, err := fs.Stat("missing")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInjected))
	_, err = fs.Create("disk.img")
	require.ErrorIs(t, err, ErrInjected)
}
