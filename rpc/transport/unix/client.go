package unix

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/ValentinKolb/dCache/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, timeout)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	return setBuffers(unixConn, config.Transport.WriteBufferSize, config.Transport.ReadBufferSize)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixClientTransport creates a new Unix client transport
func NewUnixClientTransport() transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&clientConnector{})
}

// setBuffers applies the socket buffer sizes, 0 keeps the system default
func setBuffers(conn *net.UnixConn, writeBuffer, readBuffer int) error {
	if writeBuffer > 0 {
		if err := conn.SetWriteBuffer(writeBuffer); err != nil {
			return fmt.Errorf("failed to set write buffer: %w", err)
		}
	}
	if readBuffer > 0 {
		if err := conn.SetReadBuffer(readBuffer); err != nil {
			return fmt.Errorf("failed to set read buffer: %w", err)
		}
	}
	return nil
}
