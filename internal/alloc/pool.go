package alloc

import "sync"

// Scratch buffer pool for short-lived transfer copies (whole-file reads,
// CLI output staging). Uses size-bucketed pools with power-of-2 sizes
// (128KB, 256KB, 512KB, 1MB) to balance memory efficiency with allocation
// reduction. Requests above 1MB are not pooled.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
)

var scratchPool = struct {
	pool128k sync.Pool
	pool256k sync.Pool
	pool512k sync.Pool
	pool1m   sync.Pool
}{
	pool128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetScratch returns a buffer of exactly the requested size. Buffers up to
// 1MB come from the pool; larger ones are plain allocations. Caller must
// call PutScratch when done.
func GetScratch(size int) []byte {
	switch {
	case size <= size128k:
		return (*scratchPool.pool128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*scratchPool.pool256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*scratchPool.pool512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*scratchPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutScratch returns a buffer obtained from GetScratch to its pool.
// Buffers with non-bucket capacities are dropped.
func PutScratch(buf []byte) {
	full := buf[:cap(buf)]
	switch cap(buf) {
	case size128k:
		scratchPool.pool128k.Put(&full)
	case size256k:
		scratchPool.pool256k.Put(&full)
	case size512k:
		scratchPool.pool512k.Put(&full)
	case size1m:
		scratchPool.pool1m.Put(&full)
	}
}
