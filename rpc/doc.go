// Package rpc is the network layer of a cache node: the framed protocol spoken
// by clients and by peers streaming state to each other.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, shard ids, server and client configuration
//     and the logger setup.
//
//   - serializer: Message encodings (binary, JSON).
//
//   - transport: frames and the socket transports (TCP, Unix sockets).
//
//   - pipeline: the per connection dispatch and send queue of the server.
//
//   - server: the node's RPC server with the cache, transfer and admin adapters.
//
//   - client: the cache client used by the CLI and the peer dialer used by the
//     transfer coordinator.
package rpc
