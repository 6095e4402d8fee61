// Package pipeline implements the per connection request/response pipeline of a
// cache node. A Connection owns one client socket: it decodes inbound frames,
// dispatches them synchronously to a handler and sends the responses through a
// bounded queue that tolerates slow clients.
//
// The package focuses on:
//   - Synchronous dispatch per connection, connections run independently
//   - Chunked, resumable sends with backpressure (no blocking of the producer)
//   - Queue depth and byte ceilings that disconnect instead of dropping data
//   - Heartbeat probes on idle connections and teardown of dead ones
//   - Leased response buffers that are returned after the send or on teardown
//
// Key Components:
//
//   - Connection: Dispatch, Enqueue, DrainSend, OnHeartbeatTimeout and Serve,
//     which runs the read loop, the drain loop and the heartbeat loop.
//
//   - ResponseBuffers: one encoded frame in buffers from the connection's lease
//     pool, with the write cursor used to resume partial writes.
//
//   - ITransport: the socket abstraction. TryWrite reports a short count
//     instead of blocking, NewNetTransport adapts a net.Conn with write deadlines.
//
// Thread Safety:
//
//	Dispatch must only be called from one goroutine (the read loop). Enqueue,
//	Push, DrainSend and Close are safe for concurrent use.
package pipeline
