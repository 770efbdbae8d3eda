// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

const (
	// CachelinesMax is the upper bound on the number of RAM-resident
	// pages a single chunk cache may hold.
	CachelinesMax = 32

	// DefaultQueueDepth is the submission ring depth used when the
	// caller does not specify one.
	DefaultQueueDepth = 64

	// DefaultPredictionRate is the initial value of the sequential
	// access predictor of a fresh chunk cache.
	DefaultPredictionRate = 100
)

// doubleOrder is log2(sizeof(float64)).
const doubleOrder = 3

// noCopy is a sentinel used to prevent copying of synchronization primitives.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
