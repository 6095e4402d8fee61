package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/lib/maintenance"
	"github.com/ValentinKolb/dCache/lib/membership"
	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store/memstore"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/ValentinKolb/dCache/rpc/client"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/server"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/ValentinKolb/dCache/rpc/transport/tcp"
	"github.com/ValentinKolb/dCache/rpc/transport/unix"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dCache node",
		Long:    `Start a dCache node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DCACHE_<flag> (e.g. DCACHE_NODE_ID=node-1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("NodeID is the unique identifier of this node towards its peers (e.g. 'node-1'), defaults to the hostname"))

	key = "partitions"
	ServeCmd.PersistentFlags().Uint32(key, 64, cmdUtil.WrapString("Number of partitions of the key space. All nodes exchanging state must use the same value"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of peers in the format 'node-2=localhost:8081,node-3=/tmp/node-3.sock'. Used to resolve the targets of state transfers"))

	key = "membership-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional JSON file that is watched for maintenance and transfer requests. Without it the node is controlled through the admin commands only"))

	key = "max-value-size"
	ServeCmd.PersistentFlags().Int(key, 1024*1024, cmdUtil.WrapString("Values larger than this are rejected (in bytes, 0 = unlimited)"))

	key = "retain-entries"
	ServeCmd.PersistentFlags().Uint64(key, 10000, cmdUtil.WrapString("RetainEntries is the number of log entries per partition kept for replay only catch up of peers (0 disables compaction)"))

	key = "compact-interval"
	ServeCmd.PersistentFlags().Duration(key, 30*time.Second, cmdUtil.WrapString("Interval of the replication log compaction"))

	key = "log-max-entries"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Upper bound of replication log entries per partition (0 = unbounded)"))

	key = "log-max-age"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Upper bound of the age of replication log entries (0 = unbounded)"))

	key = "dedup-window"
	ServeCmd.PersistentFlags().Duration(key, time.Minute, cmdUtil.WrapString("Width of the sliding window in which duplicate events are suppressed"))

	key = "retention-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional JSONL file that archives every delivered event, required for event replay beyond the dedup window"))

	key = "retention-max-size"
	ServeCmd.PersistentFlags().Int64(key, 64*1024*1024, cmdUtil.WrapString("Size in bytes after which the retention file is rotated"))

	key = "retention-backups"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Number of rotated retention files to keep"))

	key = "chunk-bytes"
	ServeCmd.PersistentFlags().Int(key, transfer.DefaultChunkBytes, cmdUtil.WrapString("Upper bound of the encoded size of one snapshot chunk (in bytes)"))

	key = "max-retries"
	ServeCmd.PersistentFlags().Int(key, transfer.DefaultMaxRetries, cmdUtil.WrapString("Number of retries of a transfer state after a peer error"))

	key = "retry-backoff"
	ServeCmd.PersistentFlags().Duration(key, 200*time.Millisecond, cmdUtil.WrapString("Delay before the first retry of a transfer state, doubled for every further retry"))

	key = "bytes-per-second"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Throttles snapshot streaming to this rate (0 = unlimited)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of requests to peers (0 or less uses 5)"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the node will listen (e.g. localhost:8080, /tmp/dcache.sock, ...)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	ServeCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("SO_LINGER of accepted sockets (in seconds, -1 keeps the system default, only for tcp)"))

	key = "transport-write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket read buffer (in KB)"))

	key = "max-queue-depth"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of queued responses after which a slow client is disconnected (0 = default)"))

	key = "max-queue-bytes"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of queued response bytes after which a slow client is disconnected (0 = default)"))

	key = "idle-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Idle time after which a connection is probed with a heartbeat (0 = default, negative disables heartbeats)"))

	key = "heartbeat-timeout"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Time a heartbeat probe may stay unanswered before the connection is torn down (0 = default)"))

	key = "stale-flush-after"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Time a partially sent response may stall before the connection is torn down (0 = default)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional address of the Prometheus metrics endpoint (e.g. localhost:9090)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) (err error) {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// node identity
	serveCmdConfig.NodeID = viper.GetString("node-id")
	if serveCmdConfig.NodeID == "" {
		if serveCmdConfig.NodeID, err = os.Hostname(); err != nil {
			return fmt.Errorf("node-id is required: %w", err)
		}
	}
	serveCmdConfig.Partitions = viper.GetUint32("partitions")
	if serveCmdConfig.Partitions == 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}

	// parse peers
	if serveCmdConfig.Peers, err = cmdUtil.ParsePairs(viper.GetString("peers")); err != nil {
		return fmt.Errorf("invalid peers: %w", err)
	}
	serveCmdConfig.MembershipFile = viper.GetString("membership-file")

	// store and log
	serveCmdConfig.MaxValueSize = viper.GetInt("max-value-size")
	serveCmdConfig.RetainEntries = viper.GetUint64("retain-entries")
	serveCmdConfig.CompactInterval = viper.GetDuration("compact-interval")
	serveCmdConfig.LogMaxEntries = viper.GetInt("log-max-entries")
	serveCmdConfig.LogMaxAge = viper.GetDuration("log-max-age")

	// events
	serveCmdConfig.DedupWindow = viper.GetDuration("dedup-window")
	serveCmdConfig.RetentionFile = viper.GetString("retention-file")
	serveCmdConfig.RetentionMaxSize = viper.GetInt64("retention-max-size")
	serveCmdConfig.RetentionBackups = viper.GetInt("retention-backups")

	// transfer
	serveCmdConfig.ChunkBytes = viper.GetInt("chunk-bytes")
	serveCmdConfig.MaxRetries = viper.GetInt("max-retries")
	serveCmdConfig.RetryBackoff = viper.GetDuration("retry-backoff")
	serveCmdConfig.BytesPerSecond = viper.GetInt("bytes-per-second")

	// rpc
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:        viper.GetString("endpoint"),
		SocketType:      viper.GetString("transport"),
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
	}
	serveCmdConfig.Pipeline = common.PipelineConfig{
		MaxQueueDepth:    viper.GetInt("max-queue-depth"),
		MaxQueueBytes:    viper.GetInt("max-queue-bytes"),
		IdleInterval:     viper.GetDuration("idle-interval"),
		HeartbeatTimeout: viper.GetDuration("heartbeat-timeout"),
		StaleFlushAfter:  viper.GetDuration("stale-flush-after"),
	}
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	return nil
}

// run builds the node and serves it until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	// Parse the transport
	var t transport.IRPCServerTransport
	switch serveCmdConfig.Transport.SocketType {
	case "tcp":
		t = tcp.NewTCPServerTransport()
	case "unix":
		t = unix.NewUnixServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", serveCmdConfig.Transport.SocketType)
	}
	factory, err := cmdUtil.GetTransportFactory()
	if err != nil {
		return err
	}

	n, err := buildNode(*serveCmdConfig, client.NewPeerDialer(serveCmdConfig.Peers, peerClientConfig(*serveCmdConfig), factory, s))
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, s, n)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- serv.Serve(ctx) }()

	select {
	case err = <-served:
	case <-ctx.Done():
	}
	if shutdownErr := serv.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// buildNode wires the store, the event retention and the membership of a node
func buildNode(config common.ServerConfig, dialer transfer.IPeerDialer) (*node.Node, error) {
	status, err := maintenance.NewStatus(maintenance.PerformReplication)
	if err != nil {
		return nil, err
	}

	var m membership.IMembership
	if config.MembershipFile != "" {
		if m, err = membership.NewFileWatcher(config.MembershipFile, status, 0); err != nil {
			return nil, err
		}
	} else {
		m = membership.NewStatic(status)
	}

	var retention dedup.IRetention
	if config.RetentionFile != "" {
		r, err := dedup.NewJSONLRetention(config.RetentionFile, config.RetentionMaxSize, config.RetentionBackups)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		retention = r
	}

	n, err := node.New(node.Config{
		ID:              config.NodeID,
		MaxValueSize:    config.MaxValueSize,
		RetainEntries:   config.RetainEntries,
		CompactInterval: config.CompactInterval,
		Log: replication.Options{
			MaxEntries: config.LogMaxEntries,
			MaxAge:     config.LogMaxAge,
		},
		Dedup: dedup.Options{
			Window:    config.DedupWindow,
			Retention: retention,
		},
		Transfer: transfer.Config{
			LocalID:        config.NodeID,
			ChunkBytes:     config.ChunkBytes,
			MaxRetries:     config.MaxRetries,
			RetryBackoff:   config.RetryBackoff,
			BytesPerSecond: config.BytesPerSecond,
		},
	}, memstore.NewMemStore(config.Partitions), dialer, m)
	if err != nil {
		_ = m.Close()
		if retention != nil {
			_ = retention.Close()
		}
		return nil, err
	}
	return n, nil
}

// defaultPeerTimeoutSecond replaces a non positive --timeout, a peer request
// must never wait forever
const defaultPeerTimeoutSecond = 5

// peerClientConfig derives the client settings used to stream state to peers
func peerClientConfig(config common.ServerConfig) common.ClientConfig {
	timeout := int(config.TimeoutSecond)
	if timeout <= 0 {
		timeout = defaultPeerTimeoutSecond
	}
	return common.ClientConfig{
		TimeoutSecond: timeout,
		Transport: common.ClientTransportConfig{
			SocketType:             config.Transport.SocketType,
			RetryCount:             1,
			ConnectionsPerEndpoint: 1,
			TCPNoDelay:             config.Transport.TCPNoDelay,
			TCPKeepAliveSec:        config.Transport.TCPKeepAliveSec,
			WriteBufferSize:        config.Transport.WriteBufferSize,
			ReadBufferSize:         config.Transport.ReadBufferSize,
		},
	}
}
