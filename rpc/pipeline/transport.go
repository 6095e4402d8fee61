package pipeline

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// ITransport is the socket side of a connection
type ITransport interface {
	io.Reader
	// TryWrite writes as much of p as the transport currently accepts. A short
	// count with a nil error means the transport would block, the caller retries
	// the rest later.
	TryWrite(p []byte) (int, error)
	// Close closes the transport, pending reads return an error
	Close() error
}

// netTransport adapts a net.Conn. A write that does not complete within the
// write slice returns the bytes written so far without an error.
type netTransport struct {
	conn  net.Conn
	slice time.Duration
}

// NewNetTransport wraps conn. slice bounds how long a single TryWrite may wait
// for the socket (default 5ms).
func NewNetTransport(conn net.Conn, slice time.Duration) ITransport {
	if slice <= 0 {
		slice = 5 * time.Millisecond
	}
	return &netTransport{conn: conn, slice: slice}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ITransport)
// --------------------------------------------------------------------------

func (t *netTransport) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *netTransport) TryWrite(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.slice)); err != nil {
		return 0, err
	}
	n, err := t.conn.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}
