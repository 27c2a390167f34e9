// Package memconn is an in-process core.Conn pair for embedded stub relays.
package memconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Relay/internal/core"
)

const bufferSize = 1024

var ErrRefused = errors.New("memconn: connection refused")

type pipe struct {
	once sync.Once
	done chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

// Conn is one end of a Pipe. Closing either end closes both.
type Conn struct {
	p   *pipe
	in  chan core.Frame
	out chan core.Frame
}

func Pipe() (*Conn, *Conn) {
	p := &pipe{done: make(chan struct{})}
	ab := make(chan core.Frame, bufferSize)
	ba := make(chan core.Frame, bufferSize)
	return &Conn{p: p, in: ba, out: ab}, &Conn{p: p, in: ab, out: ba}
}

func (c *Conn) ReadFrame() (core.Frame, error) {
	select {
	case <-c.p.done:
		return nil, core.ErrConnClosed
	default:
	}
	select {
	case <-c.p.done:
		return nil, core.ErrConnClosed
	case f := <-c.in:
		return f, nil
	}
}

func (c *Conn) WriteFrame(ctx context.Context, f core.Frame) error {
	select {
	case <-c.p.done:
		return core.ErrConnClosed
	default:
	}
	cp := make(core.Frame, len(f))
	copy(cp, f)
	select {
	case <-c.p.done:
		return core.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.out <- cp:
		return nil
	}
}

func (c *Conn) Close() error {
	c.p.close()
	return nil
}

// Closed reports whether the pipe has been closed from either end.
func (c *Conn) Closed() bool {
	select {
	case <-c.p.done:
		return true
	default:
		return false
	}
}

// Dialer hands the far end of every new pipe to Accept on its own goroutine.
type Dialer struct {
	Accept func(core.Conn)

	dials   atomic.Int64
	refused atomic.Bool

	mu   sync.Mutex
	last *Conn
}

func (d *Dialer) Dial(ctx context.Context) (core.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.refused.Load() {
		return nil, ErrRefused
	}
	client, server := Pipe()
	d.dials.Add(1)
	d.mu.Lock()
	d.last = client
	d.mu.Unlock()
	go d.Accept(server)
	return client, nil
}

// Dials counts successful dials.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Refuse makes subsequent dials fail until called with false.
func (d *Dialer) Refuse(v bool) { d.refused.Store(v) }

// Drop closes the most recently dialed pipe, simulating a network loss.
func (d *Dialer) Drop() {
	d.mu.Lock()
	c := d.last
	d.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}
