package signaling

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols a client may request.
const (
	SubprotocolJSON    = "json"
	SubprotocolMsgpack = "msgpack"
)

// Subprotocols lists the supported subprotocols in preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec converts messages to and from WebSocket frames.
type Codec interface {
	Name() string
	Marshal(v any) (frameType int, data []byte, err error)
	Unmarshal(data []byte, v any) error
}

// CodecFor returns the codec for a negotiated subprotocol. JSON is used when
// no subprotocol was negotiated.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }

func (jsonCodec) Marshal(v any) (int, []byte, error) {
	data, err := json.Marshal(v)
	return websocket.TextMessage, data, err
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return SubprotocolMsgpack }

func (msgpackCodec) Marshal(v any) (int, []byte, error) {
	data, err := msgpack.Marshal(v)
	return websocket.BinaryMessage, data, err
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
