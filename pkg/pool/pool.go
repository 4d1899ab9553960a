// Package pool provides scratch-buffer pooling for the scoring hot path.
//
// Scoring a candidate triplet needs a few length-n float64 rows (the
// reweighted posteriors and the per-item win probabilities). Scoring tens of
// thousands of candidates per search would otherwise allocate the same rows
// over and over, so they are recycled through sync.Pool.
//
// Usage:
//
//	buf := pool.GetFloats(n)
//	defer pool.PutFloats(buf)
//
//	// use buf[:n] ...
package pool

import (
	"sync"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize is the largest buffer length kept in the pool
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1 << 16,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config
	initPools()
}

func initPools() {
	floatPool = sync.Pool{
		New: func() any {
			b := make([]float64, 0, 256)
			return &b
		},
	}
	intPool = sync.Pool{
		New: func() any {
			b := make([]int, 0, 256)
			return &b
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Float Slice Pool (posterior rows, probabilities)
// =============================================================================

var floatPool = sync.Pool{
	New: func() any {
		b := make([]float64, 0, 256)
		return &b
	},
}

// GetFloats returns a zeroed slice of length n.
// Call PutFloats when done.
func GetFloats(n int) []float64 {
	if !globalConfig.Enabled {
		return make([]float64, n)
	}
	bp := floatPool.Get().(*[]float64)
	b := *bp
	if cap(b) < n {
		return make([]float64, n)
	}
	b = b[:n]
	clear(b)
	return b
}

// PutFloats returns a slice to the pool.
func PutFloats(b []float64) {
	if !globalConfig.Enabled || b == nil {
		return
	}
	// Don't pool very large slices (memory leak prevention)
	if cap(b) > globalConfig.MaxSize {
		return
	}
	b = b[:0]
	floatPool.Put(&b)
}

// =============================================================================
// Int Slice Pool (minibatch index sets)
// =============================================================================

var intPool = sync.Pool{
	New: func() any {
		b := make([]int, 0, 256)
		return &b
	},
}

// GetInts returns a slice with length 0 and capacity at least n.
func GetInts(n int) []int {
	if !globalConfig.Enabled {
		return make([]int, 0, n)
	}
	bp := intPool.Get().(*[]int)
	b := *bp
	if cap(b) < n {
		return make([]int, 0, n)
	}
	return b[:0]
}

// PutInts returns a slice to the pool.
func PutInts(b []int) {
	if !globalConfig.Enabled || b == nil {
		return
	}
	if cap(b) > globalConfig.MaxSize {
		return
	}
	b = b[:0]
	intPool.Put(&b)
}
