// Package ws carries frames over gorilla/websocket, on both the dialing and
// the accepting side.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
)

const (
	DefaultReadLimit  = 1 << 20
	DefaultSendBuffer = 64
	writeWait         = 5 * time.Second
)

var ErrBackpressure = errors.New("backpressure")

// Conn adapts a websocket to core.Conn. Writes go through a bounded send
// queue drained by writePump; reads happen on the caller's goroutine.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame
	done chan struct{}

	once sync.Once
}

func newConn(ws *websocket.Conn, readLimit int64, buffer int) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	ws.SetReadLimit(readLimit)
	c := &Conn{
		ws:   ws,
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "transport.ws").Msg("writePump set deadline")
				_ = c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport.ws").Msg("writePump write error")
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) ReadFrame() (core.Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			_ = c.Close()
			select {
			case <-c.done:
				return nil, core.ErrConnClosed
			default:
			}
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// WriteFrame queues f. A full queue that does not drain before ctx ends
// yields ErrBackpressure.
func (c *Conn) WriteFrame(ctx context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return core.ErrConnClosed
	case <-ctx.Done():
		return ErrBackpressure
	}
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Dialer opens client connections to the relay.
type Dialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
	SendBuffer       int
}

func (d *Dialer) Dial(ctx context.Context) (core.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", "transport.ws").Str("url", d.URL).Msg("dialed")
	return newConn(ws, d.ReadLimit, d.SendBuffer), nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts a websocket on the serving side.
func Upgrade(w http.ResponseWriter, r *http.Request, readLimit int64) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, readLimit, DefaultSendBuffer), nil
}
