package core

import (
	"context"
	"encoding/json"
	"errors"
)

// Frame is one serialized JSON-RPC message.
type Frame []byte

var ErrConnClosed = errors.New("conn closed")

// Conn abstracts one duplex message transport (a WebSocket in production).
// Owned by whoever dialed or accepted it; that owner must Close() it.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the conn fails.
	ReadFrame() (Frame, error)
	// WriteFrame is safe for concurrent use.
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a fresh Conn. The session calls it once per (re)connect.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Executor issues RPC calls over the shared session.
type Executor interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
}
