package rpc

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// Encode serializes one frame.
func Encode(msg *domain.Message) (core.Frame, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = domain.JSONRPCVersion
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	return b, nil
}

// Decode parses and validates one received frame.
func Decode(f core.Frame) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(f, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.JSONRPC != domain.JSONRPCVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Method == "" && msg.ID == "" {
		return nil, fmt.Errorf("frame has neither method nor id")
	}
	return &msg, nil
}

// DecodeInto unmarshals a result or params payload.
func DecodeInto(raw []byte, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, out)
}
