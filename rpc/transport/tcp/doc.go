// Package tcp implements TCP socket-based transport for the cache node's RPC
// system. It provides concrete implementations of the base package's connector
// interfaces, applying the configured socket options to every connection.
//
// This package builds on the base package's transport functionality. See the base
// package documentation for the underlying connection handling.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// The default server socket write buffer is set to 512 KB, which provides good
// performance for typical workloads, but can be customized for specific use cases.
package tcp
