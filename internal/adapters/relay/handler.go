// Package relay is a development stand-in for the relay server. It speaks the
// server side of the wire protocol over any core.Conn.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/rpc"
)

type Options struct {
	// Secret enables HMAC validation of client tokens.
	Secret     string
	Project    string
	ICEServers []domain.ICEServer
	// ConnectLimit handshakes per identity per ConnectWindow; 0 disables.
	ConnectLimit  int
	ConnectWindow time.Duration
}

type Handler struct {
	opts    Options
	limiter *ConnectRateLimiter

	mu        sync.RWMutex
	conns     map[*serverConn]struct{}
	protocols map[string]bool
	requested []string

	connects atomic.Int64
	acks     atomic.Int64
}

func NewHandler(opts Options) *Handler {
	if opts.Project == "" {
		opts.Project = "stub-project"
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &Handler{
		opts:      opts,
		limiter:   NewConnectRateLimiter(opts.ConnectLimit, opts.ConnectWindow),
		conns:     make(map[*serverConn]struct{}),
		protocols: make(map[string]bool),
	}
}

// serverConn is the per-connection state kept by the stub.
type serverConn struct {
	conn core.Conn
	id   string

	mu       sync.RWMutex
	authed   bool
	protocol string
	claims   *Claims
	channels map[string]bool
}

func (sc *serverConn) authorized() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.authed
}

func (sc *serverConn) subscribed(channel string) bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.channels[channel]
}

// Serve runs the read loop for c until it closes or ctx ends. Requests other
// than the handshake are handled concurrently, so responses may leave out of
// order.
func (h *Handler) Serve(ctx context.Context, c core.Conn) {
	sc := &serverConn{conn: c, id: uuid.NewString(), channels: make(map[string]bool)}
	h.mu.Lock()
	h.conns[sc] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = c.Close()
		h.mu.Lock()
		delete(h.conns, sc)
		h.mu.Unlock()
		log.Info().Str("module", "adapters.relay").Str("conn", sc.id).Msg("connection closed")
	}()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	log.Info().Str("module", "adapters.relay").Str("conn", sc.id).Msg("connection opened")
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return
		}
		msg, err := rpc.Decode(f)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.relay").Str("conn", sc.id).Msg("dropping malformed frame")
			continue
		}
		if msg.IsResponse() {
			h.acks.Add(1)
			continue
		}
		if msg.Method == domain.MethodConnect {
			h.handleConnect(ctx, sc, msg)
			continue
		}
		go h.dispatch(ctx, sc, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, sc *serverConn, msg *domain.Message) {
	if !sc.authorized() {
		h.replyError(ctx, sc, msg, domain.CodeAuthFailed, "not authenticated")
		return
	}
	switch msg.Method {
	case domain.MethodPing:
		h.reply(ctx, sc, msg, map[string]any{"timestamp": float64(time.Now().UnixMilli()) / 1000})
	case domain.MethodReauthenticate:
		h.handleReauthenticate(ctx, sc, msg)
	case "echo.test":
		h.handleEcho(ctx, sc, msg)
	case "void.test":
		// never answered
	case "event.emit":
		h.handleEventEmit(ctx, sc, msg)
	case "chat.subscribe":
		h.handleChatSubscribe(ctx, sc, msg, true)
	case "chat.unsubscribe":
		h.handleChatSubscribe(ctx, sc, msg, false)
	case "chat.publish":
		h.handleChatPublish(ctx, sc, msg)
	default:
		log.Warn().Str("module", "adapters.relay").Str("method", msg.Method).Msg("unknown method")
		h.replyError(ctx, sc, msg, domain.CodeMethodNotFound, "method not found")
	}
}

func (h *Handler) send(ctx context.Context, sc *serverConn, msg *domain.Message) {
	f, err := rpc.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.relay").Msg("encode")
		return
	}
	if err := sc.conn.WriteFrame(ctx, f); err != nil {
		log.Debug().Err(err).Str("module", "adapters.relay").Str("conn", sc.id).Msg("write failed")
	}
}

func (h *Handler) reply(ctx context.Context, sc *serverConn, req *domain.Message, result any) {
	if req.ID == "" {
		return
	}
	msg, err := req.Reply(result)
	if err != nil {
		h.replyError(ctx, sc, req, domain.CodeInternalError, err.Error())
		return
	}
	h.send(ctx, sc, msg)
}

func (h *Handler) replyError(ctx context.Context, sc *serverConn, req *domain.Message, code int, message string) {
	if req.ID == "" {
		return
	}
	h.send(ctx, sc, req.ReplyError(code, message))
}

// push delivers a server event. Events carry an id because clients connect
// with event_acks enabled.
func (h *Handler) push(ctx context.Context, sc *serverConn, ev domain.ServerEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(time.Now().UnixMilli()) / 1000
	}
	msg, err := domain.NewRequest(domain.MethodEvent, ev)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.relay").Msg("build event")
		return
	}
	h.send(ctx, sc, msg)
}

func (h *Handler) authorizedConns() []*serverConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*serverConn, 0, len(h.conns))
	for sc := range h.conns {
		if sc.authorized() {
			out = append(out, sc)
		}
	}
	return out
}

// Broadcast pushes one event to every authenticated connection.
func (h *Handler) Broadcast(ctx context.Context, eventType string, params any) int {
	ev, err := newServerEvent(eventType, "", params)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.relay").Msg("build broadcast")
		return 0
	}
	conns := h.authorizedConns()
	for _, sc := range conns {
		h.push(ctx, sc, ev)
	}
	return len(conns)
}

// PingAll sends a server-initiated signalwire.ping to every connection.
func (h *Handler) PingAll(ctx context.Context) {
	for _, sc := range h.authorizedConns() {
		msg, err := domain.NewRequest(domain.MethodPing, map[string]any{})
		if err != nil {
			continue
		}
		h.send(ctx, sc, msg)
	}
}

// DisconnectAll asks every client to recycle its connection.
func (h *Handler) DisconnectAll(ctx context.Context) {
	for _, sc := range h.authorizedConns() {
		msg, err := domain.NewRequest(domain.MethodDisconnect, map[string]any{})
		if err != nil {
			continue
		}
		h.send(ctx, sc, msg)
	}
}

// CloseAll drops every connection without notice.
func (h *Handler) CloseAll() {
	h.mu.RLock()
	conns := make([]*serverConn, 0, len(h.conns))
	for sc := range h.conns {
		conns = append(conns, sc)
	}
	h.mu.RUnlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
}

// Connects counts successful handshakes.
func (h *Handler) Connects() int { return int(h.connects.Load()) }

// Acks counts responses received from clients.
func (h *Handler) Acks() int { return int(h.acks.Load()) }

// Conns is the number of open connections.
func (h *Handler) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RequestedProtocols lists the protocol sent with each handshake, in order;
// empty strings are fresh sessions.
func (h *Handler) RequestedProtocols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.requested...)
}
