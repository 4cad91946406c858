package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated via the gRPC content-subtype ("application/grpc+json"),
// a documented grpc-go extension point used here in place of the generated
// protobuf wire codec (no .proto sources were available to compile — see
// DESIGN.md).
const codecName = "json"

// jsonCodec implements encoding.Codec by delegating to encoding/json. It is
// registered process-wide in init() and selected per-call with
// grpc.CallContentSubtype(codecName) on the client and grpc.ForceServerCodec
// on the server.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
