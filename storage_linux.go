// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package chunkio

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves extents for the whole region so page writes never
// extend the file. Filesystems without extent preallocation fall back to
// a plain size change and allocate lazily on write.
func preallocate(f *os.File, capacity int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, capacity)
	if err == nil {
		return nil
	}
	if err == unix.EOPNOTSUPP {
		return f.Truncate(capacity)
	}
	return err
}
