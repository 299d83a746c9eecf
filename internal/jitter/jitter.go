// Package jitter implements a per-sender FIFO buffer of decoded PCM bytes.
//
// Unlike a sequence-number-reordering jitter buffer, this one assumes PCM
// arrives from the decoder already in order (packet loss concealment and
// reordering happen upstream, in the decode path) — its job is purely to
// smooth the mismatch between arbitrary-sized decode callbacks and the
// mixer's fixed 20 ms read cadence.
package jitter

import (
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is a per-sender FIFO of PCM byte chunks with a lock-free last-write
// timestamp. The timestamp is read by the mix tick without acquiring mu, so
// staleness detection never blocks on a busy writer.
type Buffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	off       int // read offset into chunks[0]
	lastWrite atomic.Int64 // UnixNano; 0 means never written
}

// New returns an empty jitter buffer.
func New() *Buffer {
	return &Buffer{}
}

// Write enqueues a copy of data and records the current time as the last-write
// timestamp. Safe for concurrent use with Read and LastWrite.
func (b *Buffer) Write(data []byte) {
	if len(data) == 0 {
		b.lastWrite.Store(time.Now().UnixNano())
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.chunks = append(b.chunks, cp)
	b.mu.Unlock()

	b.lastWrite.Store(time.Now().UnixNano())
}

// ReadFrame dequeues exactly len(dst) bytes into dst, concatenating across
// internal chunks. If fewer bytes are buffered than len(dst), the copied
// prefix is left in place and the remainder of dst is zero-padded. It
// returns true iff at least one byte was copied from the buffer.
func (b *Buffer) ReadFrame(dst []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	need := len(dst)
	for need > 0 && len(b.chunks) > 0 {
		cur := b.chunks[0]
		avail := len(cur) - b.off
		take := avail
		if take > need {
			take = need
		}
		copy(dst[n:n+take], cur[b.off:b.off+take])
		n += take
		need -= take
		b.off += take
		if b.off >= len(cur) {
			b.chunks = b.chunks[1:]
			b.off = 0
		}
	}
	if n < len(dst) {
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	}
	return n > 0
}

// LastWrite returns the UnixNano timestamp of the most recent Write call, or
// zero if Write has never been called. Wait-free: does not take mu.
func (b *Buffer) LastWrite() int64 {
	return b.lastWrite.Load()
}

// Pending reports the number of buffered but unread bytes.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := -b.off
	for _, c := range b.chunks {
		n += len(c)
	}
	if n < 0 {
		n = 0
	}
	return n
}
