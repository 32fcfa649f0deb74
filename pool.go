// pool.go: Pooled scratch buffers for cryptographic hot paths.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import "sync"

// Pools reduce GC pressure on encrypt/decrypt hot paths. Every buffer is
// zeroed before being returned to its pool so plaintext and key material
// never linger in pooled memory.
var (
	noncePool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, NonceSize)
			return &buf
		},
	}

	scratchPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 512)
			return &buf
		},
	}
)

// getNonceBuffer returns a NonceSize-byte buffer from the pool.
func getNonceBuffer() *[]byte {
	buf := noncePool.Get().(*[]byte)
	*buf = (*buf)[:NonceSize]
	return buf
}

// putNonceBuffer zeros the buffer and returns it to the pool.
func putNonceBuffer(buf *[]byte) {
	if buf == nil {
		return
	}
	Zeroize(*buf)
	noncePool.Put(buf)
}

// getScratch returns a zero-length scratch slice with pooled capacity.
func getScratch() []byte {
	buf := scratchPool.Get().(*[]byte)
	return (*buf)[:0]
}

// putScratch zeros the scratch slice over its full capacity and returns it
// to the pool. Oversized buffers are dropped to keep the pool footprint flat.
func putScratch(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}
	Zeroize(buf[:c])
	if c > 64*1024 {
		return
	}
	scratchPool.Put(&buf)
}
