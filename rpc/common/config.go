package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Routing
// --------------------------------------------------------------------------

// Shard ids used in the frame header to route a request to a server adapter
const (
	ShardCache    uint64 = 0 // key-value and event operations
	ShardTransfer uint64 = 1 // peer to peer state transfer protocol
	ShardAdmin    uint64 = 2 // maintenance and transfer administration
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig holds the socket level settings of the server
type ServerTransportConfig struct {
	Endpoint        string
	SocketType      string // "tcp" or "unix"
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// PipelineConfig holds the per connection limits and heartbeat timings
type PipelineConfig struct {
	MaxQueueDepth    int
	MaxQueueBytes    int
	IdleInterval     time.Duration
	HeartbeatTimeout time.Duration
	StaleFlushAfter  time.Duration
}

// ServerConfig holds all configuration parameters of a cache node.
type ServerConfig struct {
	// Node identity
	NodeID     string
	Partitions uint32

	// Peers maps peer node ids to the endpoints used for state transfer
	Peers          map[string]string
	MembershipFile string

	// Store and log parameters
	MaxValueSize    int
	RetainEntries   uint64
	CompactInterval time.Duration
	LogMaxEntries   int
	LogMaxAge       time.Duration

	// Event parameters
	DedupWindow      time.Duration
	RetentionFile    string
	RetentionMaxSize int64
	RetentionBackups int

	// Transfer parameters
	ChunkBytes     int
	MaxRetries     int
	RetryBackoff   time.Duration
	BytesPerSecond int

	// RPC settings
	Serializer string
	Transport  ServerTransportConfig
	Pipeline   PipelineConfig

	// remote peer timeout
	TimeoutSecond int64

	// Prometheus metrics endpoint (empty disables it)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	optional := func(value string) string {
		if value == "" {
			return "disabled"
		}
		return value
	}

	// Node Identity
	addSection("Node Identity")
	addField("Node ID", c.NodeID)
	addField("Partitions", strconv.FormatUint(uint64(c.Partitions), 10))

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Socket Type", c.Transport.SocketType)
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("TCP No Delay", fmt.Sprintf("%t", c.Transport.TCPNoDelay))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Transport.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Transport.ReadBufferSize))
	addField("Metrics", optional(c.MetricsEndpoint))

	// Connection pipeline
	addSection("Connections")
	addField("Max Queue Depth", strconv.Itoa(c.Pipeline.MaxQueueDepth))
	addField("Max Queue Bytes", strconv.Itoa(c.Pipeline.MaxQueueBytes))
	addField("Idle Interval", c.Pipeline.IdleInterval.String())
	addField("Heartbeat Timeout", c.Pipeline.HeartbeatTimeout.String())
	addField("Stale Flush", c.Pipeline.StaleFlushAfter.String())

	// Replication log
	addSection("Replication Log")
	addField("Max Entries", strconv.Itoa(c.LogMaxEntries))
	addField("Max Age", c.LogMaxAge.String())
	addField("Retain Entries", strconv.FormatUint(c.RetainEntries, 10))
	addField("Compact Interval", c.CompactInterval.String())
	addField("Max Value Size", fmt.Sprintf("%d bytes", c.MaxValueSize))

	// Events
	addSection("Events")
	addField("Dedup Window", c.DedupWindow.String())
	addField("Retention File", optional(c.RetentionFile))
	if c.RetentionFile != "" {
		addField("Retention Max Size", fmt.Sprintf("%d bytes", c.RetentionMaxSize))
		addField("Retention Backups", strconv.Itoa(c.RetentionBackups))
	}

	// Transfer
	addSection("State Transfer")
	addField("Chunk Size", fmt.Sprintf("%d bytes", c.ChunkBytes))
	addField("Max Retries", strconv.Itoa(c.MaxRetries))
	addField("Retry Backoff", c.RetryBackoff.String())
	if c.BytesPerSecond > 0 {
		addField("Throttle", fmt.Sprintf("%d bytes/sec", c.BytesPerSecond))
	} else {
		addField("Throttle", "disabled")
	}
	addField("Membership File", optional(c.MembershipFile))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Peers
	if len(c.Peers) > 0 {
		addSection("Peers")

		// Sort keys for consistent output
		var keys []string
		for k := range c.Peers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			addField(k, c.Peers[k])
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the connection settings of a client
type ClientTransportConfig struct {
	Endpoints              []string
	SocketType             string // "tcp" or "unix"
	RetryCount             int
	ConnectionsPerEndpoint int
	TCPNoDelay             bool
	TCPKeepAliveSec        int
	WriteBufferSize        int
	ReadBufferSize         int
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Socket Type", c.Transport.SocketType)
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
