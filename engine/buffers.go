package engine

import "sync"

// Sized buffer pools for per-connection read/write scratch space. Pooling
// read buffers matters here because every live Connection holds one for
// the lifetime of the socket; reusing them keeps the GC off the hot path
// under many concurrent connections.
const (
	size4K   = 4 * 1024
	size16K  = 16 * 1024
	size64K1 = 64*1024 - 1
)

var (
	pool4K   sync.Pool
	pool16K  sync.Pool
	pool64K1 sync.Pool
)

func getSized(pool *sync.Pool, size int) []byte {
	if x := pool.Get(); x != nil {
		b := x.([]byte)
		return b[:size]
	}
	return make([]byte, size)
}

// getBufferAtLeast returns a buffer whose capacity is at least n, pooled
// for the three fixed tiers and freshly allocated (not pooled) above the
// largest tier.
func getBufferAtLeast(n int) []byte {
	switch {
	case n <= size4K:
		return getSized(&pool4K, size4K)
	case n <= size16K:
		return getSized(&pool16K, size16K)
	case n <= size64K1:
		return getSized(&pool64K1, size64K1)
	default:
		return make([]byte, n)
	}
}

// putBuffer returns a buffer obtained from getBufferAtLeast to its pool.
// Buffers not allocated by one of the three fixed sizes are dropped to
// the garbage collector instead of jamming the wrong pool.
func putBuffer(b []byte) {
	switch cap(b) {
	case size4K:
		pool4K.Put(b[:size4K])
	case size16K:
		pool16K.Put(b[:size16K])
	case size64K1:
		pool64K1.Put(b[:size64K1])
	}
}
