// Package client implements the RPC clients of a cache node: the CacheClient
// used by applications and operators, and the PeerDialer a node uses to stream
// its state to other nodes.
//
// The package focuses on:
//   - Transparent RPC access to the key-value, event and admin operations
//   - The sending side of the state transfer protocol (transfer.IPeerDialer)
//   - Integration with the transport and serialization layers
//   - Error handling and conversion between RPC and domain errors
//
// Key Components:
//
//   - NewRPCCache: Factory function that creates a CacheClient. Events of a
//     subscription are pushed by the server on the connection that subscribed and
//     handed to the subscription's EventHandler.
//
//   - NewPeerDialer: Factory function that creates a transfer.IPeerDialer. Every
//     stream uses its own connection, peers are resolved from node id to endpoint.
//
//   - RemoteError: Error returned when the server answered a request with an error.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:              []string{"localhost:5000"},
//	    RetryCount:             3,
//	    ConnectionsPerEndpoint: 1,
//	  },
//	}
//
//	// Create the client
//	c, _ := client.NewRPCCache(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//
//	// Use the cache
//	c.Set("mykey", []byte("myvalue"), 0)
//	entry, exists, _ := c.Get("mykey")
//
//	// Follow changes
//	c.Subscribe("watch", []string{"my"}, func(ev dedup.EventRecord) {
//	  fmt.Println(ev.Kind, ev.Keys)
//	})
//
// Performance Considerations:
//
//   - For applications that frequently send large payloads, increasing ConnectionsPerEndpoint
//     can improve throughput by allowing parallel requests.
//
//   - Subscriptions are bound to a server connection. They are not restored when the
//     transport reconnects, subscribe again after a connection loss.
//
//   - The choice of serializer significantly affects performance. The binary serializer
//     provides the best performance and smallest payload size.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization. A peer stream is used
//	by one transfer session at a time.
package client
