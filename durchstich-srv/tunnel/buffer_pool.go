package tunnel

import "sync"

// RelayChunkSize is the per-readiness-event relay chunk (4KB). Each
// chunk is written to the peer in full before the next read, so chunk
// boundaries bound how much data is in flight per direction.
const RelayChunkSize = 4096

// bufferPool is a global pool of relay chunks. This reduces GC pressure
// by reusing buffers across connections.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, RelayChunkSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}
