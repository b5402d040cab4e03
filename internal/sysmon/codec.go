// Package sysmon is the gRPC client for the external hardware stats
// collector. The collector is a separate process that writes a portfile on
// startup; stats are auxiliary telemetry, so every RPC failure here degrades
// to an empty result instead of propagating.
package sysmon

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype for the JSON codec. The collector
// speaks JSON-encoded messages rather than protobuf, which keeps the wire
// schema inspectable and lets both ends evolve without generated stubs.
const codecName = "json"

// JSONCodec implements grpc encoding.Codec over encoding/json. Exported so
// tests can serve the API with grpc.ForceServerCodec(JSONCodec{}).
type JSONCodec struct{}

// Marshal implements encoding.Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sysmon: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("sysmon: unmarshal into %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec.
func (JSONCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}
