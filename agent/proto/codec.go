// Package proto defines the ComplianceAgent gRPC service contract shared
// between the appliance's embedded server and the Go workstation agent.
//
// No protoc toolchain is available in this build environment, so the
// generated-code shape (service descriptors, client/server stubs) is
// hand-authored here rather than produced by protoc-gen-go-grpc. Message
// bodies are plain Go structs encoded as JSON by a grpc.Codec registered
// under the name "proto", which replaces the default protobuf-reflection
// codec for this process. This keeps the real google.golang.org/grpc
// transport, mTLS, keepalive, and bidirectional streaming machinery in
// play; only the wire encoding of message bodies differs from a protoc
// build.
package proto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "proto"

// jsonCodec implements google.golang.org/grpc/encoding.Codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("proto codec marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("proto codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	// Overrides grpc's built-in protobuf-reflection codec, which
	// is registered under the same name and would otherwise reject these
	// plain structs for not implementing proto.Message.
	encoding.RegisterCodec(jsonCodec{})
}
