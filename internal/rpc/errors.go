package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrTimeout          = errors.New("request timeout")
	ErrDuplicateID      = errors.New("duplicate request id")
)

// TimeoutError tells "server never answered" apart from "server said no".
type TimeoutError struct {
	ID     string
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: no response after %s", e.Method, e.After)
	}
	return fmt.Sprintf("request %s: no response after %s", e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
