package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dCache/lib/replication"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/transfer"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
)

// TransportFactory creates an unconnected client transport
type TransportFactory func() transport.IRPCClientTransport

// PeerDialer opens transfer streams to other cache nodes over RPC. It
// implements transfer.IPeerDialer.
type PeerDialer struct {
	config       common.ClientConfig
	newTransport TransportFactory
	serializer   serializer.IRPCSerializer

	mu    sync.RWMutex
	peers map[string]string // node id -> endpoint
}

// NewPeerDialer creates a dialer. peers maps node ids to endpoints, a peer
// that is not in the map is dialed as an endpoint.
func NewPeerDialer(
	peers map[string]string,
	config common.ClientConfig,
	newTransport TransportFactory,
	serializer serializer.IRPCSerializer,
) *PeerDialer {
	d := &PeerDialer{
		config:       config,
		newTransport: newTransport,
		serializer:   serializer,
		peers:        make(map[string]string, len(peers)),
	}
	for id, endpoint := range peers {
		d.peers[id] = endpoint
	}
	return d
}

// SetPeer adds or replaces the endpoint of a peer
func (d *PeerDialer) SetPeer(id, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[id] = endpoint
}

// Endpoint returns the endpoint a peer is dialed at
func (d *PeerDialer) Endpoint(peer string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if endpoint, ok := d.peers[peer]; ok {
		return endpoint
	}
	return peer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transfer.IPeerDialer)
// --------------------------------------------------------------------------

func (d *PeerDialer) Dial(ctx context.Context, peer string) (transfer.IPeerStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	endpoint := d.Endpoint(peer)

	// one connection per stream, requests of a stream are sequential
	config := d.config
	config.Transport.Endpoints = []string{endpoint}
	config.Transport.ConnectionsPerEndpoint = 1

	t := d.newTransport()
	if err := t.Connect(config); err != nil {
		return nil, fmt.Errorf("failed to dial peer %s at %s: %w", peer, endpoint, err)
	}
	Logger.Debugf("opened transfer stream to %s at %s", peer, endpoint)

	return &peerStream{
		peer: peer,
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			transport:  t,
			serializer: d.serializer,
		},
	}, nil
}

// peerStream is the sending side of the transfer protocol, it implements
// transfer.IPeerStream
type peerStream struct {
	rpcClientAdapter
	peer string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transfer.IPeerStream)
// --------------------------------------------------------------------------

func (s *peerStream) Begin(ctx context.Context, req transfer.BeginRequest) error {
	return s.send(ctx, common.NewXfrBeginRequest(req.SessionID, req.Source, req.Partition, req.Snapshot, req.From))
}

func (s *peerStream) SendSnapshot(ctx context.Context, chunk transfer.SnapshotChunk) error {
	entries := store.EncodeEntries(chunk.Entries)
	return s.send(ctx, common.NewXfrSnapshotRequest(chunk.Source, chunk.Partition, chunk.TransferID, entries, chunk.Last))
}

func (s *peerStream) SendOperations(ctx context.Context, batch transfer.OperationBatch) error {
	ops := replication.EncodeOperations(batch.Partition, batch.Ops)
	return s.send(ctx, common.NewXfrOpsRequest(batch.Source, batch.Partition, ops))
}

func (s *peerStream) Complete(ctx context.Context, c transfer.Completion) error {
	return s.send(ctx, common.NewXfrCompleteRequest(c.Source, c.Partition, c.Seq))
}

func (s *peerStream) Close() error {
	return s.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// send runs one request. The transport has no cancellation, a cancelled
// context only stops requests that were not sent yet.
func (s *peerStream) send(ctx context.Context, req *common.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.invoke(common.ShardTransfer, req); err != nil {
		return fmt.Errorf("%s to %s failed: %w", req.MsgType, s.peer, err)
	}
	return nil
}
