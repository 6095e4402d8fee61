package transport

import (
	"net"

	"github.com/ValentinKolb/dCache/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ConnHandleFunc is called by a server transport for every accepted connection.
// It owns the connection and must close it when done.
type ConnHandleFunc func(conn net.Conn)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers the handler that serves accepted connections
	RegisterHandler(handler ConnHandleFunc)
	// Listen starts the transport layer and blocks accepting connections until
	// Close is called
	Listen(config common.ServerConfig) error
	// Close stops accepting connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// PushHandleFunc receives frames the server sent without a request
type PushHandleFunc func(shardId uint64, data []byte)

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response
	Send(shardId uint64, req []byte) (resp []byte, err error)
	// OnPush registers the handler for pushed frames (must be set before Connect)
	OnPush(handler PushHandleFunc)
	// Close closes the transport connection
	Close() error
}
