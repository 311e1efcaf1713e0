// Package chunkedbuffer implements an unbounded FIFO byte buffer built from
// a queue of received slices rather than a single growing/copying buffer,
// used to accumulate wire bytes read off a peer connection until a full
// message frame is available.
package chunkedbuffer

import "encoding/binary"

// Buffer is a FIFO of byte slices with a consumed-cursor into the oldest
// chunk. Pushing appends a chunk without copying; Discard/CopyTo advance
// past consumed bytes, dropping fully-consumed chunks as they go.
//
// Grounded on the bookkeeping style of the teacher's fixed-capacity message
// history ring (read/write cursor management), generalized here to an
// unbounded FIFO since the peer read path must accumulate an arbitrary
// number of bytes before a length-prefixed frame completes.
type Buffer struct {
	chunks [][]byte
	off    int // consumed offset into chunks[0]
	length int // total unconsumed bytes across all chunks
}

// New returns an empty Buffer.
func New() *Buffer { return &Buffer{} }

// Push appends b to the buffer. b is retained, not copied; callers must not
// mutate it afterward.
func (b *Buffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.length += len(chunk)
}

// Len returns the number of unconsumed bytes currently buffered.
func (b *Buffer) Len() int { return b.length }

// PeekByte returns the byte at unconsumed offset i without consuming
// anything. ok is false if i is out of range.
func (b *Buffer) PeekByte(i int) (byte, bool) {
	if i < 0 || i >= b.length {
		return 0, false
	}

	pos := b.off + i
	for _, c := range b.chunks {
		if pos < len(c) {
			return c[pos], true
		}
		pos -= len(c)
	}
	return 0, false
}

// PeekBytes returns a copy of n unconsumed bytes starting at offset 0
// without consuming them. ok is false if fewer than n bytes are available.
func (b *Buffer) PeekBytes(n int) ([]byte, bool) {
	if n < 0 || n > b.length {
		return nil, false
	}

	out := make([]byte, n)
	remaining := n
	pos := b.off
	written := 0

	for _, c := range b.chunks {
		if remaining == 0 {
			break
		}
		avail := len(c) - pos
		if avail <= 0 {
			pos -= len(c)
			continue
		}

		take := avail
		if take > remaining {
			take = remaining
		}
		copy(out[written:], c[pos:pos+take])
		written += take
		remaining -= take
		pos = 0
	}

	return out, true
}

// PeekUint32BE returns the big-endian uint32 formed by the first 4
// unconsumed bytes without consuming them. ok is false if fewer than 4
// bytes are available.
func (b *Buffer) PeekUint32BE() (uint32, bool) {
	buf, ok := b.PeekBytes(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

// Discard drops the first n unconsumed bytes. It panics if n exceeds Len,
// which would indicate a caller bug in frame accounting.
func (b *Buffer) Discard(n int) {
	if n < 0 || n > b.length {
		panic("chunkedbuffer: discard exceeds buffered length")
	}

	b.length -= n
	for n > 0 && len(b.chunks) > 0 {
		head := b.chunks[0]
		avail := len(head) - b.off
		if n < avail {
			b.off += n
			n = 0
			break
		}

		n -= avail
		b.chunks = b.chunks[1:]
		b.off = 0
	}
}

// CopyTo copies n unconsumed bytes into a new slice and discards them from
// the buffer in one step. ok is false if fewer than n bytes are available,
// in which case the buffer is left unmodified.
func (b *Buffer) CopyTo(n int) ([]byte, bool) {
	buf, ok := b.PeekBytes(n)
	if !ok {
		return nil, false
	}
	b.Discard(n)
	return buf, true
}

// Reset drops all buffered data.
func (b *Buffer) Reset() {
	b.chunks = nil
	b.off = 0
	b.length = 0
}
