// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package chunkio

import (
	"os"
)

// preallocate sizes the file without extent reservation; non-Linux
// platforms allocate lazily on write.
func preallocate(f *os.File, capacity int64) error {
	return f.Truncate(capacity)
}
