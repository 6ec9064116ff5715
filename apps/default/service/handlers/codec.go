package handlers

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// jsonCodec is a connect.Codec for plain JSON message types. The notification
// surface exchanges hand-defined JSON structs, so the default protobuf codec
// does not apply.
type jsonCodec struct{}

func NewJSONCodec() connect.Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshalling %T: %w", message, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("unmarshalling %T: %w", message, err)
	}
	return nil
}
