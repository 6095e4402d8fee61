package tcp

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/ValentinKolb/dCache/rpc/transport/base"
)

const (
	DefaultBufferSize = 512 * 1024 // 512 KB
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	// Create TCP socket listener
	listener, err := net.Listen("tcp", config.Transport.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}

	return listener, nil
}

// UpgradeConnection applies the configured socket options to an accepted connection
func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	t := config.Transport
	writeBuffer := t.WriteBufferSize
	if writeBuffer == 0 {
		writeBuffer = DefaultBufferSize
	}
	return upgrade(tcpConn, t.TCPNoDelay, t.TCPKeepAliveSec, t.TCPLingerSec, writeBuffer, t.ReadBufferSize)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// upgrade applies TCP socket options, zero values keep the system default
func upgrade(tcpConn *net.TCPConn, noDelay bool, keepAliveSec, lingerSec, writeBuffer, readBuffer int) error {
	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(noDelay); err != nil {
		return err
	}

	if writeBuffer > 0 {
		if err := tcpConn.SetWriteBuffer(writeBuffer); err != nil {
			return err
		}
	}

	if readBuffer > 0 {
		if err := tcpConn.SetReadBuffer(readBuffer); err != nil {
			return err
		}
	}

	if keepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(keepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if lingerSec >= 0 {
		if err := tcpConn.SetLinger(lingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
