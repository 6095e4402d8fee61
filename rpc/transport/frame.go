package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
)

// Frame layout (big endian):
// - 8 bytes: shardId (uint64)
// - 8 bytes: requestID (uint64)
// - 4 bytes: data length (uint32)
// - N bytes: data payload
const (
	HeaderSize = 20

	// ProbeShardID marks a heartbeat probe, the receiver answers with an echo at once
	ProbeShardID uint64 = math.MaxUint64
	// EchoShardID marks the answer to a heartbeat probe
	EchoShardID uint64 = math.MaxUint64 - 1
	// PushRequestID is used for frames the server sends without a request (events)
	PushRequestID uint64 = 0

	// MaxFrameSize bounds the payload a peer may announce
	MaxFrameSize = 64 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame is one decoded frame
type Frame struct {
	ShardID   uint64
	RequestID uint64
	Data      []byte
}

// IsHeartbeat reports whether f is a probe or an echo
func (f Frame) IsHeartbeat() bool {
	return f.ShardID == ProbeShardID || f.ShardID == EchoShardID
}

// PutHeader writes the frame header for a payload of n bytes into dst[:HeaderSize]
func PutHeader(dst []byte, shardID, requestID uint64, n int) {
	binary.BigEndian.PutUint64(dst[:8], shardID)
	binary.BigEndian.PutUint64(dst[8:16], requestID)
	binary.BigEndian.PutUint32(dst[16:20], uint32(n))
}

// WriteFrame writes a frame to w, header and payload in one vectored write
func WriteFrame(w io.Writer, shardID uint64, requestID uint64, data []byte) error {
	header := make([]byte, HeaderSize)
	PutHeader(header, shardID, requestID, len(data))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads a frame from r using the provided buffer.
// If the buffer is too small, it will allocate a new temporary buffer for the data,
// the returned Data aliases buf otherwise.
func ReadFrame(r io.Reader, buf []byte) (Frame, error) {
	// Check if buffer is large enough for header
	if len(buf) < HeaderSize {
		buf = make([]byte, HeaderSize)
	}

	if _, err := io.ReadFull(r, buf[:HeaderSize]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		ShardID:   binary.BigEndian.Uint64(buf[:8]),
		RequestID: binary.BigEndian.Uint64(buf[8:16]),
	}
	contentLength := binary.BigEndian.Uint32(buf[16:20])

	// If no data, return empty slice
	if contentLength == 0 {
		f.Data = []byte{}
		return f, nil
	}
	if contentLength > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, contentLength)
	}

	// Check if buffer is large enough for data
	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(r, buf[:contentLength]); err != nil {
		return Frame{}, err
	}
	f.Data = buf[:contentLength]
	return f, nil
}
