// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrClosed is returned by operations on a kernel that has been closed.
var ErrClosed = errors.New("kcore: closed")

