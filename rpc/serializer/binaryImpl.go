package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dCache/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte MsgType, 2 bytes field flags (big endian), then every present
// field in flag order. Strings and byte slices are prefixed with a 4 byte length,
// lists with a 4 byte element count.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey       uint16 = 1 << 0
	hasValue     uint16 = 1 << 1
	hasExpireIn  uint16 = 1 << 2
	hasFlags     uint16 = 1 << 3
	hasVersion   uint16 = 1 << 4
	hasKeys      uint16 = 1 << 5
	hasValues    uint16 = 1 << 6
	hasPartition uint16 = 1 << 7
	hasSeq       uint16 = 1 << 8
	hasPeer      uint16 = 1 << 9
	hasID        uint16 = 1 << 10
	hasPayload   uint16 = 1 << 11
	hasOk        uint16 = 1 << 12
	hasErr       uint16 = 1 << 13
	hasMeta      uint16 = 1 << 14
)

const headerSize = 3 // MsgType + flags

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Name() string {
	return "binary"
}

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, headerSize, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	// Append each present field and remember it in the flags
	var flags uint16
	if msg.Key != "" {
		flags |= hasKey
		result = appendString(result, msg.Key)
	}
	if msg.Value != nil {
		flags |= hasValue
		result = appendBytes(result, msg.Value)
	}
	if msg.ExpireIn > 0 {
		flags |= hasExpireIn
		result = binary.BigEndian.AppendUint64(result, msg.ExpireIn)
	}
	if msg.Flags > 0 {
		flags |= hasFlags
		result = binary.BigEndian.AppendUint32(result, msg.Flags)
	}
	if msg.Version > 0 {
		flags |= hasVersion
		result = binary.BigEndian.AppendUint64(result, msg.Version)
	}
	if msg.Keys != nil {
		flags |= hasKeys
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Keys)))
		for _, k := range msg.Keys {
			result = appendString(result, k)
		}
	}
	if msg.Values != nil {
		flags |= hasValues
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Values)))
		for _, v := range msg.Values {
			result = appendBytes(result, v)
		}
	}
	if msg.Partition > 0 {
		flags |= hasPartition
		result = binary.BigEndian.AppendUint32(result, msg.Partition)
	}
	if msg.Seq > 0 {
		flags |= hasSeq
		result = binary.BigEndian.AppendUint64(result, msg.Seq)
	}
	if msg.Peer != "" {
		flags |= hasPeer
		result = appendString(result, msg.Peer)
	}
	if msg.ID != "" {
		flags |= hasID
		result = appendString(result, msg.ID)
	}
	if msg.Payload != nil {
		flags |= hasPayload
		result = appendBytes(result, msg.Payload)
	}
	if msg.Ok {
		flags |= hasOk
		result = append(result, 1)
	}
	if msg.Err != "" {
		flags |= hasErr
		result = appendString(result, msg.Err)
	}
	if msg.Meta != nil {
		flags |= hasMeta
		result = appendBytes(result, msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	// Reset the message so fields of a reused message do not leak through
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: headerSize}

	if flags&hasKey != 0 {
		msg.Key = r.string("key")
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value")
	}
	if flags&hasExpireIn != 0 {
		msg.ExpireIn = r.uint64("expireIn")
	}
	if flags&hasFlags != 0 {
		msg.Flags = r.uint32("flags")
	}
	if flags&hasVersion != 0 {
		msg.Version = r.uint64("version")
	}
	if flags&hasKeys != 0 {
		n := r.count("keys")
		msg.Keys = make([]string, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Keys = append(msg.Keys, r.string("keys"))
		}
	}
	if flags&hasValues != 0 {
		n := r.count("values")
		msg.Values = make([][]byte, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Values = append(msg.Values, r.bytes("values"))
		}
	}
	if flags&hasPartition != 0 {
		msg.Partition = r.uint32("partition")
	}
	if flags&hasSeq != 0 {
		msg.Seq = r.uint64("seq")
	}
	if flags&hasPeer != 0 {
		msg.Peer = r.string("peer")
	}
	if flags&hasID != 0 {
		msg.ID = r.string("id")
	}
	if flags&hasPayload != 0 {
		msg.Payload = r.bytes("payload")
	}
	if flags&hasOk != 0 {
		r.need(1, "ok")
		if r.err == nil {
			msg.Ok = data[r.pos] != 0
			r.pos++
		}
	}
	if flags&hasErr != 0 {
		msg.Err = r.string("err")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	// Add sizes for fields that require length encoding
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.ExpireIn > 0 {
		size += 8
	}
	if msg.Flags > 0 {
		size += 4
	}
	if msg.Version > 0 {
		size += 8
	}
	if msg.Keys != nil {
		size += 4
		for _, k := range msg.Keys {
			size += 4 + len(k)
		}
	}
	if msg.Values != nil {
		size += 4
		for _, v := range msg.Values {
			size += 4 + len(v)
		}
	}
	if msg.Partition > 0 {
		size += 4
	}
	if msg.Seq > 0 {
		size += 8
	}
	if msg.Peer != "" {
		size += 4 + len(msg.Peer)
	}
	if msg.ID != "" {
		size += 4 + len(msg.ID)
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload)
	}
	if msg.Ok {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendBytes(dst []byte, v []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(v)))
	return append(dst, v...)
}

// reader decodes fields sequentially and keeps the first error
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) {
	if r.err == nil && r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
	}
}

func (r *reader) uint32(field string) uint32 {
	r.need(4, field)
	if r.err != nil {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) uint64(field string) uint64 {
	r.need(8, field)
	if r.err != nil {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// count reads a list length and checks it against the remaining data
func (r *reader) count(field string) int {
	n := int(r.uint32(field))
	if r.err == nil && n > (len(r.data)-r.pos)/4 {
		r.err = fmt.Errorf("data too short for %s (%d elements)", field, n)
		return 0
	}
	return n
}

// bytes reads a length prefixed byte slice. The result is a copy, an empty
// slice (not nil) if the length is 0.
func (r *reader) bytes(field string) []byte {
	n := int(r.uint32(field))
	r.need(n, field)
	if r.err != nil {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}

func (r *reader) string(field string) string {
	n := int(r.uint32(field))
	r.need(n, field)
	if r.err != nil {
		return ""
	}
	v := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return v
}
