// Package common provides core data structures and utilities shared across
// the cache node, its clients and its peers. It defines fundamental types,
// configuration structures, and protocol elements used by other packages.
//
// The package focuses on:
//   - Message protocol definition for client, event and peer communication
//   - Configuration structures for client and server components
//   - Custom logging implementation integrated with Dragonboat's logger facade
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication, with a flexible
//     structure that adapts to different operation types. Includes factory
//     methods for creating the various request and response messages.
//
//   - MessageType: Enumeration defining all supported operation types,
//     categorized into key-value operations, event operations, the state
//     transfer protocol, admin operations and control messages.
//
//   - ServerConfig: Configuration of a cache node, including partitioning,
//     replication log retention, event retention, transfer tuning, socket and
//     per connection limits.
//
//   - ClientConfig: Configuration for client components, controlling connection
//     parameters, timeouts, and retry behavior.
//
//   - Logger: Custom logging implementation that plugs into
//     github.com/lni/dragonboat/v4/logger while providing consistent formatting
//     across the application.
package common
