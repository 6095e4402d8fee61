package server

import (
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/pipeline"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// It takes the connection the request arrived on and the request Message.
	// It returns a Message as a response
	// If an error occurs, it should be set in the response
	Handle(conn *pipeline.Connection, req *common.Message) (resp *common.Message)
}
