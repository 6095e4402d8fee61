// Package server implements the RPC server of a cache node. It routes the
// frames of every client connection to one of three adapters and runs each
// connection through the pipeline package.
//
// The package focuses on:
//   - Server-side RPC request handling for key-value, event, transfer and admin operations
//   - Adapter pattern to decouple node logic from RPC mechanisms
//   - One pipeline.Connection per accepted socket with leased request objects
//   - Pushing subscribed events to clients on the connection they subscribed on
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes a request arriving on a connection.
//
//   - NewCacheServerAdapter: Adapter for Set, SetE, SetIfUnset, Delete, Get, Has,
//     BulkSet, Subscribe, Unsubscribe and Replay (shard common.ShardCache).
//
//   - NewTransferServerAdapter: Adapter for the receiving side of a state transfer
//     (shard common.ShardTransfer).
//
//   - NewAdminServerAdapter: Adapter for maintenance mode, transfer requests and the
//     node status (shard common.ShardAdmin).
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms. Serve also exposes the VictoriaMetrics
//     counters on /metrics if a metrics endpoint is configured.
//
// Usage Example:
//
//	n, _ := node.New(node.Config{ID: "node-1"}, memstore.NewMemStore(16), dialer, nil)
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	  n,
//	)
//
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	Connections are served concurrently, requests of one connection are handled
//	in order on its read goroutine. Serve should be called only once, Shutdown
//	may be called from any goroutine.
package server
