package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("session not connected")
	ErrBackpressure = errors.New("send queue full")
)

// AuthError ends the current connection attempt. The session stays closed
// until Connect is called again.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Code, e.Message)
}
