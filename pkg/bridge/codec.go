package bridge

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the bridge client make gRPC calls for messages that have no
// generated protobuf stubs of their own. The bridge wire encoding is an
// external collaborator's concern (spec.md §1's "concrete media-session
// negotiation encoding" is explicitly out of scope); this codec lets the
// client view (C4) speak real gRPC to a real bridge without fabricating a
// generated package for a protocol this module does not own.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
