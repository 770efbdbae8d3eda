// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package chunkio

import (
	"github.com/pkg/errors"
)

// OpenEngine is only implemented over io_uring. Non-Linux platforms can
// still drive chunks through a caller-provided Engine implementation.
func OpenEngine(queueDepth int) (Engine, error) {
	_ = queueDepth
	return nil, errors.New("chunkio: io_uring engine requires linux")
}
