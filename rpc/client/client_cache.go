package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCache/lib/dedup"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/serializer"
	"github.com/ValentinKolb/dCache/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// EventHandler receives the events of a subscription. It is called from the
// transport's reader goroutine and must not block.
type EventHandler func(ev dedup.EventRecord)

// NewRPCCache creates a new client for a cache node
// The function takes a config, a transport and a serializer as parameters
// It returns the client and an error
func NewRPCCache(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*CacheClient, error) {
	c := &CacheClient{
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
		subscriptions: xsync.NewMapOf[string, EventHandler](),
	}

	// The push handler has to be registered before the connections are opened
	transport.OnPush(c.handlePush)

	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return c, nil
}

// CacheClient is the client of the key-value, event and admin operations of a
// cache node
type CacheClient struct {
	rpcClientAdapter
	subscriptions *xsync.MapOf[string, EventHandler]
}

// --------------------------------------------------------------------------
// Key-Value Methods
// --------------------------------------------------------------------------

// Set stores value under key and returns the version the store assigned
func (c *CacheClient) Set(key string, value []byte, flags uint32) (version uint64, err error) {
	resp, err := c.invoke(common.ShardCache, common.NewSetRequest(key, value, flags))
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// SetE stores value under key, the value expires after expireIn milliseconds
func (c *CacheClient) SetE(key string, value []byte, flags uint32, expireIn uint64) (version uint64, err error) {
	resp, err := c.invoke(common.ShardCache, common.NewSetERequest(key, value, flags, expireIn))
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// SetIfUnset stores value only if key does not exist. It reports whether the
// value was stored.
func (c *CacheClient) SetIfUnset(key string, value []byte, flags uint32, expireIn uint64) (stored bool, err error) {
	resp, err := c.invoke(common.ShardCache, common.NewSetIfUnsetRequest(key, value, flags, expireIn))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Delete removes key and reports whether it existed
func (c *CacheClient) Delete(key string) (deleted bool, err error) {
	resp, err := c.invoke(common.ShardCache, common.NewDeleteRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// Get returns the entry of key. Only Value, Flags and Version are set.
func (c *CacheClient) Get(key string) (entry store.Entry, loaded bool, err error) {
	resp, err := c.invoke(common.ShardCache, common.NewGetRequest(key))
	if err != nil {
		return store.Entry{}, false, err
	}
	if !resp.Ok {
		return store.Entry{}, false, nil
	}
	return store.Entry{Value: resp.Value, Flags: resp.Flags, Version: resp.Version}, true, nil
}

func (c *CacheClient) Has(key string) (loaded bool, err error) {
	resp, err := c.invoke(common.ShardCache, common.NewHasRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// BulkSet stores all pairs or none of them
func (c *CacheClient) BulkSet(keys []string, values [][]byte, expireIn uint64) error {
	if len(keys) != len(values) {
		return fmt.Errorf("bulk set with %d keys but %d values", len(keys), len(values))
	}
	_, err := c.invoke(common.ShardCache, common.NewBulkSetRequest(keys, values, expireIn))
	return err
}

// --------------------------------------------------------------------------
// Event Methods
// --------------------------------------------------------------------------

// Subscribe registers handler for the events of keys with one of the prefixes
// (every key if none is given). id must be unique per client, subscribing with
// an id again replaces the subscription.
func (c *CacheClient) Subscribe(id string, prefixes []string, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %q without handler", id)
	}
	c.subscriptions.Store(id, handler)
	if _, err := c.invoke(common.ShardCache, common.NewSubscribeRequest(id, prefixes)); err != nil {
		c.subscriptions.Delete(id)
		return err
	}
	return nil
}

// Unsubscribe removes a subscription
func (c *CacheClient) Unsubscribe(id string) error {
	c.subscriptions.Delete(id)
	_, err := c.invoke(common.ShardCache, common.NewUnsubscribeRequest(id))
	return err
}

// Replay returns the retained events since t in timestamp order
func (c *CacheClient) Replay(since time.Time) ([]dedup.EventRecord, error) {
	resp, err := c.invoke(common.ShardCache, common.NewReplayRequest(uint64(since.UnixMilli())))
	if err != nil {
		return nil, err
	}
	var events []dedup.EventRecord
	if err := json.Unmarshal(resp.Payload, &events); err != nil {
		return nil, fmt.Errorf("failed to decode replay: %w", err)
	}
	return events, nil
}

// --------------------------------------------------------------------------
// Admin Methods
// --------------------------------------------------------------------------

// SetMaintenance turns the maintenance mode of the node on or off
func (c *CacheClient) SetMaintenance(on bool) error {
	_, err := c.invoke(common.ShardAdmin, common.NewAdmMaintenanceRequest(on))
	return err
}

// RequestTransfer asks the node to transfer its state to peer
func (c *CacheClient) RequestTransfer(peer string, payload common.TransferPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.invoke(common.ShardAdmin, common.NewAdmTransferRequest(peer, data))
	return err
}

// Status returns the human readable status of the node
func (c *CacheClient) Status() (string, error) {
	resp, err := c.invoke(common.ShardAdmin, common.NewAdmStatusRequest())
	if err != nil {
		return "", err
	}
	return string(resp.Value), nil
}

// Close closes the connections of the client
func (c *CacheClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *CacheClient) handlePush(shardId uint64, data []byte) {
	var msg common.Message
	if err := c.serializer.Deserialize(data, &msg); err != nil {
		Logger.Warningf("failed to decode pushed frame on shard %d: %v", shardId, err)
		return
	}
	if msg.MsgType != common.MsgTEvEvent {
		Logger.Debugf("ignoring pushed %s on shard %d", msg.MsgType, shardId)
		return
	}

	handler, ok := c.subscriptions.Load(string(msg.Meta))
	if !ok {
		return
	}
	handler(dedup.EventRecord{
		ID:        msg.ID,
		Partition: msg.Partition,
		Kind:      store.MutationKind(msg.Flags),
		Keys:      msg.Keys,
		Version:   msg.Version,
		Timestamp: time.UnixMilli(int64(msg.Seq)),
	})
}
