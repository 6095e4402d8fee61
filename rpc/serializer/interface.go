package serializer

import "github.com/ValentinKolb/dCache/rpc/common"

// IRPCSerializer encodes Messages for the wire. Client and node must use the
// same implementation, the frames carry no format marker.
type IRPCSerializer interface {
	// Name returns the name the serializer is selected by ("binary", "json")
	Name() string
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg
	Deserialize(b []byte, msg *common.Message) error
}
