package pipeline

import (
	"time"

	"github.com/ValentinKolb/dCache/lib/lease"
	"github.com/ValentinKolb/dCache/rpc/transport"
)

// maxChunk is the largest single buffer of a response, bigger frames are split
// over several leased buffers
const maxChunk = 64 * 1024

// ResponseBuffers holds one encoded frame in leased buffers together with the
// write cursor of the connection that sends it. A partially written response is
// resumed from the cursor, it is never serialized twice.
type ResponseBuffers struct {
	chunks  [][]byte
	size    int
	written int
	created time.Time
	pool    *lease.Pool
}

// NewResponseBuffers encodes a frame into buffers leased from pool
func NewResponseBuffers(pool *lease.Pool, shardID, requestID uint64, payload []byte) *ResponseBuffers {
	rb := &ResponseBuffers{
		size:    transport.HeaderSize + len(payload),
		created: time.Now(),
		pool:    pool,
	}

	first := min(rb.size, maxChunk)
	buf := pool.Buffer(first)
	transport.PutHeader(buf, shardID, requestID, len(payload))
	n := copy(buf[transport.HeaderSize:], payload)
	rb.chunks = append(rb.chunks, buf)

	for rest := payload[n:]; len(rest) > 0; {
		buf := pool.Buffer(min(len(rest), maxChunk))
		c := copy(buf, rest)
		rb.chunks = append(rb.chunks, buf)
		rest = rest[c:]
	}
	return rb
}

// Len returns the total size of the response in bytes
func (rb *ResponseBuffers) Len() int { return rb.size }

// Remaining returns the number of bytes not yet written
func (rb *ResponseBuffers) Remaining() int { return rb.size - rb.written }

// Created returns when the response was built
func (rb *ResponseBuffers) Created() time.Time { return rb.created }

// Done reports whether every byte was written
func (rb *ResponseBuffers) Done() bool { return rb.written >= rb.size }

// writeTo writes as much of the unwritten part as w accepts. It returns the
// number of bytes written by this call.
func (rb *ResponseBuffers) writeTo(w ITransport) (int, error) {
	total := 0
	for !rb.Done() {
		chunk, off := rb.position()
		n, err := w.TryWrite(chunk[off:])
		rb.written += n
		total += n
		if err != nil {
			return total, err
		}
		if n < len(chunk)-off {
			// transport would block
			return total, nil
		}
	}
	return total, nil
}

// position returns the chunk holding the write cursor and the offset in it
func (rb *ResponseBuffers) position() ([]byte, int) {
	off := rb.written
	for _, c := range rb.chunks {
		if off < len(c) {
			return c, off
		}
		off -= len(c)
	}
	return nil, 0
}

// Release returns the buffers to the lease pool. The response must not be used
// afterwards.
func (rb *ResponseBuffers) Release() {
	for _, c := range rb.chunks {
		rb.pool.ReleaseBuffer(c)
	}
	rb.chunks = nil
}

// Bytes returns a copy of the encoded frame
func (rb *ResponseBuffers) Bytes() []byte {
	out := make([]byte, 0, rb.size)
	for _, c := range rb.chunks {
		out = append(out, c...)
	}
	return out
}
