package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/dCache/lib/lease"
	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/pipeline"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

var (
	requestsTotal      = metrics.GetOrCreateCounter("dcache_rpc_requests_total")
	requestErrorsTotal = metrics.GetOrCreateCounter("dcache_rpc_request_errors_total")
)

// NewRPCServer creates a new RPC server for n
// It takes a config, transport, serializer and the node to serve as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//		n,
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	n *node.Node,
) *rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	// Every shard id routes to one adapter, all adapters share the node
	shards := xsync.NewMapOf[uint64, IRPCServerAdapter]()
	shards.Store(common.ShardCache, NewCacheServerAdapter(n, serializer))
	shards.Store(common.ShardTransfer, NewTransferServerAdapter(n.Receiver()))
	shards.Store(common.ShardAdmin, NewAdminServerAdapter(n))

	return &rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		node:       n,
		shards:     shards,
		leases:     lease.NewRegistry(nil),
		conns:      xsync.NewMapOf[string, *pipeline.Connection](),
	}
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	node       *node.Node
	shards     *xsync.MapOf[uint64, IRPCServerAdapter]
	leases     *lease.Registry
	conns      *xsync.MapOf[string, *pipeline.Connection]

	mu          sync.Mutex
	cancel      context.CancelFunc
	metricsSrv  *http.Server
	stopOnce    sync.Once
	nodeStarted bool
}

// Serve starts the node and the transport layer and blocks until the transport
// is closed
func (s *rpcServer) Serve(ctx context.Context) error {
	// Init logger
	if err := common.InitLoggers(s.config.LogLevel, s.config.NodeID); err != nil {
		return err
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(s.config.String())

	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.node.Start(ctx)
	s.nodeStarted = true
	s.mu.Unlock()

	if s.config.MetricsEndpoint != "" {
		if err := s.startMetrics(s.config.MetricsEndpoint); err != nil {
			return err
		}
	}

	// Configure the transport layer
	s.transport.RegisterHandler(func(conn net.Conn) {
		s.serveConn(ctx, conn)
	})

	Logger.Infof("dCache node %s setup completed successfully (%s serializer)", s.node.ID(), s.serializer.Name())
	return s.transport.Listen(s.config)
}

// Shutdown closes the transport, all open connections and the node
func (s *rpcServer) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.transport.Close()

		s.conns.Range(func(_ string, c *pipeline.Connection) bool {
			c.Close()
			return true
		})

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		metricsSrv, started := s.metricsSrv, s.nodeStarted
		s.mu.Unlock()

		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = errors.Join(err, metricsSrv.Shutdown(ctx))
			cancel()
		}
		if started {
			err = errors.Join(err, s.node.Close())
		}
		Logger.Infof("RPC Server stopped")
	})
	return err
}

// Connections returns the number of open client connections
func (s *rpcServer) Connections() int {
	return s.conns.Size()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *rpcServer) serveConn(ctx context.Context, conn net.Conn) {
	c := pipeline.NewConnection(pipeline.NewNetTransport(conn, 0), s.handle, s.leases, pipeline.Options{
		MaxQueueDepth:    s.config.Pipeline.MaxQueueDepth,
		MaxQueueBytes:    s.config.Pipeline.MaxQueueBytes,
		IdleInterval:     s.config.Pipeline.IdleInterval,
		HeartbeatTimeout: s.config.Pipeline.HeartbeatTimeout,
		StaleFlushAfter:  s.config.Pipeline.StaleFlushAfter,
	})
	s.conns.Store(c.ID(), c)
	defer s.conns.Delete(c.ID())

	Logger.Debugf("connection %s from %s opened", c.ID(), conn.RemoteAddr())
	err := c.Serve(ctx)
	if errors.Is(err, pipeline.ErrConnectionClosed) {
		Logger.Debugf("connection %s closed", c.ID())
	} else {
		Logger.Warningf("connection %s from %s torn down: %v", c.ID(), conn.RemoteAddr(), err)
	}
}

// handle is the pipeline handler of every connection
func (s *rpcServer) handle(c *pipeline.Connection, shardId uint64, req []byte) []byte {
	var msg common.Message
	var respMsg *common.Message
	requestsTotal.Inc()

	// Get appropriate shard
	adapter, ok := s.shards.Load(shardId)

	// Case shard does not exist -> error
	if !ok {
		respMsg = common.NewErrorResponse(fmt.Sprintf("shard %d not found", shardId))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	} else {
		// Let the adapter handle the request
		respMsg = adapter.Handle(c, &msg)
	}
	if respMsg.Err != "" {
		requestErrorsTotal.Inc()
	}

	// Return result
	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", respMsg.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return val
}

func (s *rpcServer) startMetrics(endpoint string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics endpoint %s: %w", endpoint, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()

	go func() {
		Logger.Infof("Serving metrics on http://%s/metrics", l.Addr())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server stopped: %v", err)
		}
	}()
	return nil
}
