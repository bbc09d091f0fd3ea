package handler

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// jsonCodec replaces Connect's protojson codec so plain Go structs can be
// used as messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, msg)
}

// WithJSONCodec must be passed to handlers and clients of IngestService.
func WithJSONCodec() connect.Option {
	return connect.WithCodec(jsonCodec{})
}
