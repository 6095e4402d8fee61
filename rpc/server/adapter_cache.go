package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/lib/lease"
	"github.com/ValentinKolb/dCache/lib/node"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/pipeline"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
)

var bulkPartitions = metrics.GetOrCreateHistogram("dcache_rpc_bulk_partitions")

// NewCacheServerAdapter creates the adapter for the key-value and event
// operations of n. Pushed events are encoded with s.
func NewCacheServerAdapter(n *node.Node, s serializer.IRPCSerializer) IRPCServerAdapter {
	return &cacheServerAdapter{node: n, serializer: s}
}

type cacheServerAdapter struct {
	node       *node.Node
	serializer serializer.IRPCSerializer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IRPCServerAdapter)
// --------------------------------------------------------------------------

func (a *cacheServerAdapter) Handle(conn *pipeline.Connection, req *common.Message) (resp *common.Message) {
	switch req.MsgType {
	case common.MsgTKVSet, common.MsgTKVSetE:
		return a.mutate(conn, req, store.OpSet)
	case common.MsgTKVSetIfUnset:
		return a.mutate(conn, req, store.OpSetIfUnset)
	case common.MsgTKVDelete:
		return a.mutate(conn, req, store.OpDelete)
	case common.MsgTKVGet:
		entry, ok, err := a.node.Get(req.Key)
		return common.NewGetResponse(entry.Value, entry.Flags, entry.Version, ok, err)
	case common.MsgTKVHas:
		ok, err := a.node.Has(req.Key)
		return common.NewHasResponse(ok, err)
	case common.MsgTKVBulkSet:
		return a.bulkSet(conn, req)
	case common.MsgTEvSubscribe:
		return a.subscribe(conn, req)
	case common.MsgTEvUnsubscribe:
		a.node.Unsubscribe(subscriptionID(conn, req.ID))
		return common.NewSuccessResponse(req.MsgType)
	case common.MsgTEvReplay:
		return a.replay(req)
	default:
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type %s for cache shard", req.MsgType))
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// mutate leases the mutation from the connection's pool, the request is
// handled on the connection's read goroutine
func (a *cacheServerAdapter) mutate(conn *pipeline.Connection, req *common.Message, op store.MutationOp) *common.Message {
	pool := conn.LeasePool()
	m := lease.Acquire[store.Mutation](pool)
	defer pool.Release(m)

	m.Op = op
	if op != store.OpDelete {
		m.Value = req.Value
		m.Flags = req.Flags
		m.ExpireIn = req.ExpireIn
	}

	rec, err := a.node.Mutate(req.Key, m)
	if err != nil {
		return common.NewWriteResponse(req.MsgType, 0, false, err)
	}
	version := rec.Entry.Version
	if rec.Kind == store.KindRemove && rec.Prior != nil {
		version = rec.Prior.Version
	}
	return common.NewWriteResponse(req.MsgType, version, rec.Changed, nil)
}

func (a *cacheServerAdapter) bulkSet(conn *pipeline.Connection, req *common.Message) *common.Message {
	if len(req.Keys) != len(req.Values) {
		return common.NewErrorResponse(fmt.Sprintf("bulk set with %d keys but %d values", len(req.Keys), len(req.Values)))
	}

	// partitions touched by the request
	pool := conn.LeasePool()
	touched := lease.Acquire[lease.BitSet](pool)
	defer pool.Release(touched)

	entries := make([]node.KeyValue, len(req.Keys))
	for i, key := range req.Keys {
		touched.Set(int(a.node.Store().PartitionOf(key)))
		entries[i] = node.KeyValue{
			Key:      key,
			Value:    req.Values[i],
			Flags:    req.Flags,
			ExpireIn: req.ExpireIn,
		}
	}
	bulkPartitions.Update(float64(touched.Count()))

	err := a.node.BulkSet(entries)
	return common.NewWriteResponse(req.MsgType, 0, err == nil, err)
}

func (a *cacheServerAdapter) subscribe(conn *pipeline.Connection, req *common.Message) *common.Message {
	if req.ID == "" {
		return common.NewErrorResponse("subscribe without subscription id")
	}
	id := subscriptionID(conn, req.ID)
	clientID := req.ID
	prefixes := append([]string(nil), req.Keys...)

	a.node.Subscribe(id, prefixes, func(ev dedup.EventRecord) {
		msg := common.NewEventPush(clientID, ev.ID, ev.Partition, uint8(ev.Kind), ev.Keys, ev.Version, uint64(ev.Timestamp.UnixMilli()))
		data, err := a.serializer.Serialize(*msg)
		if err != nil {
			Logger.Errorf("failed to serialize event %s: %v", ev.ID, err)
			return
		}
		if err := conn.Push(common.ShardCache, data); err != nil {
			Logger.Debugf("dropping subscription %s: %v", id, err)
			a.node.Unsubscribe(id)
		}
	})
	conn.OnClose(func(error) { a.node.Unsubscribe(id) })

	Logger.Debugf("connection %s subscribed to %v as %s", conn.ID(), prefixes, req.ID)
	return common.NewSuccessResponse(req.MsgType)
}

func (a *cacheServerAdapter) replay(req *common.Message) *common.Message {
	events, err := a.node.Replay(time.UnixMilli(int64(req.Seq)))
	if err != nil {
		return common.NewErrorResponse(fmt.Sprintf("replay failed: %v", err))
	}
	if events == nil {
		events = []dedup.EventRecord{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return common.NewErrorResponse(fmt.Sprintf("failed to encode replay: %v", err))
	}
	return &common.Message{
		MsgType: req.MsgType,
		Payload: payload,
		Ok:      true,
	}
}

// subscriptionID scopes a client chosen id to its connection
func subscriptionID(conn *pipeline.Connection, id string) string {
	return conn.ID() + "/" + id
}
