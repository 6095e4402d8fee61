package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for requests, responses, pushed
// events and the peer to peer transfer protocol.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Key-value fields
	Key      string   `json:"key,omitempty"`      // Used for: Set, SetE, SetIfUnset, Delete, Get, Has, Event
	Value    []byte   `json:"value,omitempty"`    // Used for: Set (request), Get (response), Status (response)
	ExpireIn uint64   `json:"expireIn,omitempty"` // Used for: SetE, SetIfUnset (milliseconds)
	Flags    uint32   `json:"flags,omitempty"`    // Used for: Set operations, Get (response), Event (kind)
	Version  uint64   `json:"version,omitempty"`  // Used for: Set/Delete/Get responses, Event
	Keys     []string `json:"keys,omitempty"`     // Used for: BulkSet, Subscribe (prefixes), Event
	Values   [][]byte `json:"values,omitempty"`   // Used for: BulkSet

	// Partition and transfer fields
	Partition uint32 `json:"partition,omitempty"` // Used for: Event, transfer messages
	Seq       uint64 `json:"seq,omitempty"`       // Used for: Replay (since, unix ms), Event (timestamp), transfer messages
	Peer      string `json:"peer,omitempty"`      // Used for: transfer messages (source), AdmTransfer (target)
	ID        string `json:"id,omitempty"`        // Used for: Event (event id), Subscribe (subscription), XfrBegin (session)
	Payload   []byte `json:"payload,omitempty"`   // Used for: XfrSnapshot, XfrOps, Replay (response), AdmTransfer

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // Used for: Get, Has, SetIfUnset responses, XfrBegin (snapshot), XfrSnapshot (last)
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Event (subscription id), free for additional Adapters
}

// TransferPayload is the JSON payload of an AdmTransfer request
type TransferPayload struct {
	Reason     string            `json:"reason,omitempty"`
	Partitions []uint32          `json:"partitions,omitempty"` // nil = all partitions
	From       map[uint32]uint64 `json:"from,omitempty"`       // last applied sequence per partition
}

// AsError returns the message error as an error value (nil if Err is empty)
func (m *Message) AsError() error {
	if m.Err == "" {
		return nil
	}
	return fmt.Errorf("%s", m.Err)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewSetRequest creates a new Set request
func NewSetRequest(key string, value []byte, flags uint32) *Message {
	return &Message{
		MsgType: MsgTKVSet,
		Key:     key,
		Value:   value,
		Flags:   flags,
	}
}

// NewSetERequest creates a new SetE request
func NewSetERequest(key string, value []byte, flags uint32, expireIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVSetE,
		Key:      key,
		Value:    value,
		Flags:    flags,
		ExpireIn: expireIn,
	}
}

// NewSetIfUnsetRequest creates a new SetIfUnset request
func NewSetIfUnsetRequest(key string, value []byte, flags uint32, expireIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVSetIfUnset,
		Key:      key,
		Value:    value,
		Flags:    flags,
		ExpireIn: expireIn,
	}
}

// NewWriteResponse creates the response of a Set, SetE, SetIfUnset or Delete
// request. ok reports whether the store changed.
func NewWriteResponse(msgType MessageType, version uint64, ok bool, err error) *Message {
	msg := &Message{
		MsgType: msgType,
		Version: version,
		Ok:      ok,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, flags uint32, version uint64, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVGet,
		Value:   value,
		Flags:   flags,
		Version: version,
		Ok:      ok,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewHasRequest creates a new Has request
func NewHasRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVHas,
		Key:     key,
	}
}

// NewHasResponse creates a new Has response
func NewHasResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVHas,
		Ok:      ok,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewBulkSetRequest creates a new BulkSet request, keys and values are paired by index
func NewBulkSetRequest(keys []string, values [][]byte, expireIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVBulkSet,
		Keys:     keys,
		Values:   values,
		ExpireIn: expireIn,
	}
}

// NewSubscribeRequest creates a new Subscribe request. An empty prefix list
// subscribes to every key.
func NewSubscribeRequest(id string, prefixes []string) *Message {
	return &Message{
		MsgType: MsgTEvSubscribe,
		ID:      id,
		Keys:    prefixes,
	}
}

// NewUnsubscribeRequest creates a new Unsubscribe request
func NewUnsubscribeRequest(id string) *Message {
	return &Message{
		MsgType: MsgTEvUnsubscribe,
		ID:      id,
	}
}

// NewReplayRequest creates a new Replay request for all events since the given
// unix millisecond timestamp
func NewReplayRequest(sinceMs uint64) *Message {
	return &Message{
		MsgType: MsgTEvReplay,
		Seq:     sinceMs,
	}
}

// NewEventPush creates a pushed event for the given subscription. Flags carries
// the mutation kind and Seq the unix millisecond timestamp of the event.
func NewEventPush(subscription, id string, partition uint32, kind uint8, keys []string, version uint64, tsMs uint64) *Message {
	msg := &Message{
		MsgType:   MsgTEvEvent,
		Meta:      []byte(subscription),
		ID:        id,
		Partition: partition,
		Flags:     uint32(kind),
		Keys:      keys,
		Version:   version,
		Seq:       tsMs,
	}
	if len(keys) > 0 {
		msg.Key = keys[0]
	}
	return msg
}

// NewXfrBeginRequest opens a transfer stream for one partition
func NewXfrBeginRequest(session, source string, partition uint32, snapshot bool, from uint64) *Message {
	return &Message{
		MsgType:   MsgTXfrBegin,
		ID:        session,
		Peer:      source,
		Partition: partition,
		Ok:        snapshot,
		Seq:       from,
	}
}

// NewXfrSnapshotRequest carries one encoded snapshot chunk
func NewXfrSnapshotRequest(source string, partition uint32, transferID uint64, entries []byte, last bool) *Message {
	return &Message{
		MsgType:   MsgTXfrSnapshot,
		Peer:      source,
		Partition: partition,
		Seq:       transferID,
		Payload:   entries,
		Ok:        last,
	}
}

// NewXfrOpsRequest carries one encoded batch of logged operations
func NewXfrOpsRequest(source string, partition uint32, ops []byte) *Message {
	return &Message{
		MsgType:   MsgTXfrOps,
		Peer:      source,
		Partition: partition,
		Payload:   ops,
	}
}

// NewXfrCompleteRequest marks a partition as caught up to seq
func NewXfrCompleteRequest(source string, partition uint32, seq uint64) *Message {
	return &Message{
		MsgType:   MsgTXfrComplete,
		Peer:      source,
		Partition: partition,
		Seq:       seq,
	}
}

// NewAdmMaintenanceRequest turns maintenance mode on or off
func NewAdmMaintenanceRequest(on bool) *Message {
	return &Message{
		MsgType: MsgTAdmMaintenance,
		Ok:      on,
	}
}

// NewAdmTransferRequest asks the node to start a transfer session to peer.
// The payload is a JSON document naming the partitions and start sequences.
func NewAdmTransferRequest(peer string, payload []byte) *Message {
	return &Message{
		MsgType: MsgTAdmTransfer,
		Peer:    peer,
		Payload: payload,
	}
}

// NewAdmStatusRequest requests a human readable node status
func NewAdmStatusRequest() *Message {
	return &Message{
		MsgType: MsgTAdmStatus,
	}
}

// NewSuccessResponse creates a generic success response for the given type
func NewSuccessResponse(msgType MessageType) *Message {
	return &Message{
		MsgType: msgType,
		Ok:      true,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTSuccess:
		return "success"
	case MsgTError:
		return "error"
	case MsgTKVSet:
		return "set"
	case MsgTKVSetE:
		return "setE"
	case MsgTKVSetIfUnset:
		return "setIfUnset"
	case MsgTKVDelete:
		return "delete"
	case MsgTKVGet:
		return "get"
	case MsgTKVHas:
		return "has"
	case MsgTKVBulkSet:
		return "bulkSet"
	case MsgTEvSubscribe:
		return "subscribe"
	case MsgTEvUnsubscribe:
		return "unsubscribe"
	case MsgTEvReplay:
		return "replay"
	case MsgTEvEvent:
		return "event"
	case MsgTXfrBegin:
		return "xfr-begin"
	case MsgTXfrSnapshot:
		return "xfr-snapshot"
	case MsgTXfrOps:
		return "xfr-ops"
	case MsgTXfrComplete:
		return "xfr-complete"
	case MsgTAdmMaintenance:
		return "adm-maintenance"
	case MsgTAdmTransfer:
		return "adm-transfer"
	case MsgTAdmStatus:
		return "adm-status"
	case MsgTCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	for candidate := MsgTSuccess; candidate < msgTEnd; candidate++ {
		if candidate.String() == s {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types
	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Key-value operations
	MsgTKVSet        // Set a key-value pair
	MsgTKVSetE       // Set a key-value pair with expiration
	MsgTKVSetIfUnset // Set a key-value pair if not already set
	MsgTKVDelete     // Delete a key-value pair
	MsgTKVGet        // Get a value by key
	MsgTKVHas        // Check if a key exists
	MsgTKVBulkSet    // Set many pairs, all or nothing

	// Event operations
	MsgTEvSubscribe   // Subscribe the connection to key events
	MsgTEvUnsubscribe // Remove a subscription
	MsgTEvReplay      // Replay retained events since a timestamp
	MsgTEvEvent       // Pushed event (request id 0)

	// State transfer protocol
	MsgTXfrBegin    // Open a transfer stream for a partition
	MsgTXfrSnapshot // Snapshot chunk
	MsgTXfrOps      // Logged operations batch
	MsgTXfrComplete // Partition caught up

	// Admin operations
	MsgTAdmMaintenance // Enter or leave maintenance
	MsgTAdmTransfer    // Request a transfer session
	MsgTAdmStatus      // Report node status

	// Custom operations
	MsgTCustom // Custom operation type

	msgTEnd
)
