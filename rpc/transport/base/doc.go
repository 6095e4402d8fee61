// Package base provides a foundation for transport layers in the cache node,
// implementing core functionality for RPC communication independent of the specific
// network protocol (TCP, Unix sockets, etc.). It serves as a base layer that can be
// extended with protocol-specific connectors.
//
// The package focuses on:
//   - Protocol-agnostic client and server transport implementations
//   - Frame-based message protocol with shardID and requestID tracking
//   - Automatic request routing and response correlation
//   - Robust error handling with retries and reconnection logic
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - clientTransport: Core client implementation that manages multiple connections
//     with round-robin load balancing. Supports multiple connections per endpoint
//     for improved throughput.
//
//   - serverTransport: Core server implementation that accepts connections, applies
//     the connector's socket options and hands each connection to the registered
//     handler (the connection pipeline) in its own goroutine.
//
// Client Behavior:
//
//   - Connections: ConnectionsPerEndpoint connections per node, chosen round
//     robin. Peer transfer streams use one connection each, so a slow snapshot
//     never delays another stream's acknowledgements.
//
//   - Heartbeats: the client answers server probes with an echo and hands
//     pushed frames (request id 0) to the registered push handler, copied out
//     of the read buffer.
//
//   - Retries: a failed send reconnects and retries up to RetryCount times with
//     jittered backoff. Dials give up after the client timeout.
//
//   - Frame Batching: header and payload are written with one net.Buffers write.
//
// Thread Safety:
//
//	All public methods are thread-safe. The client transport uses atomic operations
//	and mutexes to ensure concurrent access safety, while the server creates a
//	dedicated goroutine set for each connection.
package base
