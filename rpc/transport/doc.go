// Package transport defines the interfaces, abstractions and the frame format for
// RPC communication with a cache node. It provides a common contract that all
// transport implementations must fulfill, enabling protocol-agnostic communication.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - The 20 byte frame header shared by clients, servers and peers
//   - Reserved shard ids for heartbeat probes and echoes
//   - Enabling multiple transport implementations (TCP, Unix sockets)
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management, request sending and pushed frames.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     accept connections and hand them to a ConnHandleFunc.
//
//   - ReadFrame/WriteFrame: Frame codec used on both ends of a connection.
package transport
