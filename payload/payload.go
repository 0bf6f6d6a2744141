// Package payload owns the canonical byte pattern that every send draws from
// and that every verified recv is compared against.
//  1. The pattern is the 64KiB concatenation of little-endian uint16 serial
//     numbers, so every aligned pair is unique within a tile.  Off-by-one and
//     torn-write bugs show up as an immediate serial mismatch.
//  2. A larger send pool tiles the pattern so that a send of any length up to
//     the maximum buffer size can start at any offset within the pattern.
//  3. Verification is a plain comparison against the shared pool, so it needs
//     no per-connection state.
//
// The pool is built once, on the first call to Init, and is never written
// afterwards.
package payload

import (
	"log"
	"sync"
)

// PatternSize is the length in bytes of one tile of the canonical pattern.
// All pattern offsets are taken modulo PatternSize.
const PatternSize = 0xffff + 0x1

var (
	initOnce sync.Once

	// senderPool holds PatternSize + maxBufferSize bytes of repeated pattern.
	// Read-only after Init.
	senderPool []byte
	// receiverPool is the scratch region handed out when all receives share
	// one buffer (-sharedbuffer).  Its contents are never inspected.
	receiverPool []byte

	maxBufferSize uint32
)

// Init sizes and fills the shared pools.  The first call wins; later calls
// are no-ops, so configuration reloads cannot resize the pools under
// connections that already reference them.
func Init(maxBuffer uint32) {
	initOnce.Do(func() {
		maxBufferSize = maxBuffer
		senderPool = allocate(PatternSize + int(maxBuffer))
		receiverPool = allocate(PatternSize + int(maxBuffer))

		pattern := make([]byte, PatternSize)
		for serial := 0; serial < PatternSize/2; serial++ {
			pattern[2*serial] = byte(serial)
			pattern[2*serial+1] = byte(serial >> 8)
		}
		for written := 0; written < len(senderPool); written += PatternSize {
			copy(senderPool[written:], pattern)
		}
		protect(senderPool)
	})
}

// MaxBufferSize returns the per-I/O ceiling the pools were sized for.
func MaxBufferSize() uint32 {
	mustInit()
	return maxBufferSize
}

// SenderPool exposes the entire read-only send pool, for callers that post
// sends referencing engine-owned memory directly.
func SenderPool() []byte {
	mustInit()
	return senderPool
}

// ReceiverPool exposes the shared receive scratch buffer.
func ReceiverPool() []byte {
	mustInit()
	return receiverPool
}

// SenderRegion returns the pool slice [offset, offset+length).  The offset
// must be within one pattern tile and the length within the configured
// maximum, which together guarantee the slice stays inside the pool.
func SenderRegion(offset, length uint32) []byte {
	mustInit()
	if offset >= PatternSize || length > maxBufferSize {
		log.Panicf("payload.SenderRegion(%d, %d) outside pool (max buffer %d)", offset, length, maxBufferSize)
	}
	return senderPool[offset : offset+length]
}

// VerifyAt reports whether buf matches the canonical pattern starting at
// offset (mod PatternSize).  On mismatch it also returns the index of the
// first differing byte for diagnostics.
func VerifyAt(offset uint32, buf []byte) (int, bool) {
	mustInit()
	expected := senderPool[offset%PatternSize:]
	for i := range buf {
		if buf[i] != expected[i] {
			return i, false
		}
	}
	return len(buf), true
}

func mustInit() {
	if senderPool == nil {
		log.Panic("payload.Init must be called before using the shared pools")
	}
}
