// Package unix implements the Unix domain socket transport of a cache node.
// It is meant for nodes and clients sharing a host (sidecars, tests).
//
// The package only supplies connectors, the framing, request routing and
// retries come from the base package.
//
// Key Components:
//
//   - clientConnector: dials the socket with the client timeout and applies
//     the configured socket buffer sizes
//
//   - serverConnector: listens on the socket path. A socket file of a node
//     that is gone is removed first, a socket that still accepts connections
//     makes Listen fail instead of stealing it.
package unix
