// Package rpcwire holds the gRPC service and method names of perpcore and
// the codec between Go values and google.protobuf.Struct payloads.
package rpcwire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TradingService = "perpcore.v1.Trading"
	EventsService  = "perpcore.v1.Events"

	MethodSubscribe = "/" + EventsService + "/Subscribe"
)

// TradingMethod returns the full method name of a Trading RPC.
func TradingMethod(name string) string {
	return "/" + TradingService + "/" + name
}

// Encode converts v to a Struct through its JSON form. v must encode to a
// JSON object.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encoding %T: not a JSON object: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from s through its JSON form.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decoding struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding into %T: %w", v, err)
	}
	return nil
}
