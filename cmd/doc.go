// Package cmd implements the command-line interface of dCache. It provides a
// hierarchical command structure with operations for running a cache node and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures a cache node
//   - kv: Key-value operations (get, set, delete, bulk, ...) and a benchmark
//   - events: Subscribing to change events and replaying retained ones
//   - admin: Maintenance mode, state transfers and the node status
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as an environment variable DCACHE_<FLAG>, .env and
// .env.local files in the working directory are loaded on start.
//
// See dcache -help for a list of all commands.
package cmd
