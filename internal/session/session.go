// Package session owns the single authenticated connection to the relay:
// handshake, request correlation, send queue, liveness and reconnection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Relay/internal/bus"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/retry"
	"github.com/dkeye/Relay/internal/rpc"
	"github.com/dkeye/Relay/internal/storage"
)

// Config tunes a Session. Zero fields take DefaultConfig values; a negative
// PingInterval or ExpiryCheckInterval turns that loop off.
type Config struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	PingTimeout         time.Duration `mapstructure:"ping_timeout"`
	QueueSize           int           `mapstructure:"queue_size"`
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval"`
	ExpiryMargin        time.Duration `mapstructure:"expiry_margin"`
	Agent               string        `mapstructure:"agent"`
	Retry               retry.Config  `mapstructure:"retry"`
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:      rpc.DefaultTimeout,
		PingInterval:        30 * time.Second,
		PingTimeout:         10 * time.Second,
		QueueSize:           256,
		ExpiryCheckInterval: 20 * time.Second,
		ExpiryMargin:        2 * time.Minute,
		Agent:               "relay-go",
		Retry:               retry.DefaultConfig(),
	}
}

const protocolKey = "relay_protocol"

type queued struct {
	id    string
	frame core.Frame
}

type Options struct {
	Dialer  core.Dialer
	Token   string
	Storage core.Storage
	Bus     *bus.Bus
	Config  Config
}

type Session struct {
	cfg     Config
	dialer  core.Dialer
	storage core.Storage
	bus     *bus.Bus
	pending *rpc.Correlator
	flight  singleflight.Group

	mu            sync.Mutex
	status        domain.SessionStatus
	auth          domain.AuthStatus
	conn          core.Conn
	token         string
	protocol      string
	identity      string
	authorization *domain.Authorization
	iceServers    []domain.ICEServer
	authErr       *AuthError
	authCount     int
	expiringFor   string
	queue         []queued
	life          context.Context
	lifeCancel    context.CancelFunc
}

func New(opts Options) *Session {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.ExpiryCheckInterval == 0 {
		cfg.ExpiryCheckInterval = def.ExpiryCheckInterval
	}
	if cfg.ExpiryMargin == 0 {
		cfg.ExpiryMargin = def.ExpiryMargin
	}
	if cfg.Agent == "" {
		cfg.Agent = def.Agent
	}
	if cfg.Retry.Kind == "" {
		cfg.Retry = def.Retry
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	st := opts.Storage
	if st == nil {
		st = storage.NewMemory()
	}
	return &Session{
		cfg:     cfg,
		dialer:  opts.Dialer,
		storage: st,
		bus:     b,
		pending: rpc.NewCorrelator(),
		status:  domain.StatusIdle,
		auth:    domain.AuthUnauthenticated,
		token:   opts.Token,
	}
}

// Connect dials and authenticates. It is a no-op while a connection is
// being made, is up, or is being restored; concurrent callers share one
// attempt. A failed first attempt is returned and not retried.
func (s *Session) Connect(ctx context.Context) error {
	_, err, _ := s.flight.Do("connect", func() (any, error) {
		return nil, s.connect(ctx)
	})
	return err
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case domain.StatusConnecting, domain.StatusConnected, domain.StatusReconnecting:
		s.mu.Unlock()
		return nil
	}
	life, cancel := context.WithCancel(context.Background())
	s.life, s.lifeCancel = life, cancel
	s.status = domain.StatusConnecting
	s.auth = domain.AuthAuthenticating
	s.authErr = nil
	s.mu.Unlock()

	log.Info().Str("module", "session").Msg("connecting")
	s.emit(s.snapshot(domain.SessionConnecting))

	err := s.establish(ctx, life, s.loadProtocol(ctx), false)
	if err == nil {
		go s.watchExpiry(life)
		return nil
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		s.failAuth(authErr)
		return err
	}

	s.mu.Lock()
	if s.life != life || life.Err() != nil {
		// Disconnect won the race and already settled the state.
		s.mu.Unlock()
		return err
	}
	s.status = domain.StatusIdle
	s.auth = domain.AuthUnauthenticated
	s.queue = nil
	conn := s.conn
	s.conn = nil
	cancel()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.pending.RejectAll(err)
	log.Error().Err(err).Str("module", "session").Msg("connect failed")
	ev := s.snapshot(domain.SessionDisconnected)
	ev.Err = err
	s.emit(ev)
	return err
}

// establish dials, starts the read loop and performs the handshake. On
// success the session is connected and queued frames are flushed.
func (s *Session) establish(ctx context.Context, life context.Context, protocol string, reconnect bool) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return rpc.ErrConnectionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(life, conn)

	res, err := s.authenticate(ctx, conn, protocol)
	if err != nil {
		s.dropConn(conn)
		return err
	}

	s.mu.Lock()
	if s.conn != conn || life.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return rpc.ErrConnectionClosed
	}
	s.status = domain.StatusConnected
	s.auth = domain.AuthAuthorized
	s.protocol = res.Protocol
	s.identity = res.Identity
	s.authorization = res.Authorization
	s.iceServers = res.ICEServers
	s.authCount++
	backlog := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.saveProtocol(ctx, res.Protocol)
	s.flush(life, conn, backlog)
	go s.pinger(life, conn)

	log.Info().Str("module", "session").Str("protocol", res.Protocol).Bool("reconnect", reconnect).Msg("connected")
	ev := s.snapshot(domain.SessionConnected)
	ev.Reconnect = reconnect
	s.emit(ev)
	return nil
}

func (s *Session) flush(ctx context.Context, conn core.Conn, backlog []queued) {
	for _, q := range backlog {
		s.pending.MarkSent(q.id)
		if err := conn.WriteFrame(ctx, q.frame); err != nil {
			s.pending.Reject(q.id, sendError(err))
		}
	}
	if len(backlog) > 0 {
		log.Debug().Str("module", "session").Int("frames", len(backlog)).Msg("flushed send queue")
	}
}

func (s *Session) dropConn(conn core.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// Execute issues one RPC over the shared connection and waits for its
// response, the request timeout or ctx.
func (s *Session) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := domain.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	frame, err := rpc.Encode(msg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var conn core.Conn
	switch s.status {
	case domain.StatusConnected:
		conn = s.conn
	case domain.StatusConnecting, domain.StatusReconnecting:
		if len(s.queue) >= s.cfg.QueueSize {
			s.mu.Unlock()
			return nil, ErrBackpressure
		}
	default:
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	p, err := s.pending.Register(msg.ID, method)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if conn != nil {
		s.pending.MarkSent(msg.ID)
	} else {
		s.queue = append(s.queue, queued{id: msg.ID, frame: frame})
	}
	s.mu.Unlock()

	if conn != nil {
		if err := conn.WriteFrame(ctx, frame); err != nil {
			s.pending.Reject(msg.ID, sendError(err))
		}
	}

	res, err := p.Wait(ctx, s.cfg.RequestTimeout)
	if err != nil {
		s.dequeue(msg.ID)
		return nil, err
	}
	return res, nil
}

func (s *Session) dequeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func sendError(err error) error {
	if errors.Is(err, core.ErrConnClosed) {
		return rpc.ErrConnectionClosed
	}
	return fmt.Errorf("send: %w", err)
}

// callOn sends one request on a specific connection, bypassing the queue.
// Used for the handshake, liveness and re-authentication.
func (s *Session) callOn(ctx context.Context, conn core.Conn, method string, params any) (json.RawMessage, error) {
	msg, err := domain.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	frame, err := rpc.Encode(msg)
	if err != nil {
		return nil, err
	}
	p, err := s.pending.Register(msg.ID, method)
	if err != nil {
		return nil, err
	}
	s.pending.MarkSent(msg.ID)
	if err := conn.WriteFrame(ctx, frame); err != nil {
		s.pending.Reject(msg.ID, sendError(err))
	}
	return p.Wait(ctx, s.cfg.RequestTimeout)
}

func (s *Session) readLoop(life context.Context, conn core.Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			s.onConnLost(conn, err)
			return
		}
		msg, err := rpc.Decode(f)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("dropping malformed frame")
			continue
		}
		if msg.IsResponse() {
			if !s.pending.Resolve(msg) {
				log.Debug().Str("module", "session").Str("id", msg.ID).Msg("response for unknown request")
			}
			continue
		}
		s.handleServerRequest(life, conn, msg)
	}
}

func (s *Session) handleServerRequest(ctx context.Context, conn core.Conn, msg *domain.Message) {
	switch msg.Method {
	case domain.MethodPing:
		s.answer(ctx, conn, msg, map[string]any{})
	case domain.MethodEvent:
		var ev domain.ServerEvent
		if err := rpc.DecodeInto(msg.Params, &ev); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("dropping malformed event")
			return
		}
		s.answer(ctx, conn, msg, map[string]any{})
		action, err := ev.Normalize(time.Now())
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("dropping event")
			return
		}
		s.bus.Raw.Publish(action)
	case domain.MethodDisconnect:
		log.Info().Str("module", "session").Msg("relay requested disconnect")
		s.answer(ctx, conn, msg, map[string]any{})
		_ = conn.Close()
	default:
		log.Warn().Str("module", "session").Str("method", msg.Method).Msg("unsupported server request")
		if msg.ID != "" {
			s.write(ctx, conn, msg.ReplyError(domain.CodeMethodNotFound, "method not found"))
		}
	}
}

func (s *Session) answer(ctx context.Context, conn core.Conn, req *domain.Message, result any) {
	if req.ID == "" {
		return
	}
	msg, err := req.Reply(result)
	if err != nil {
		return
	}
	s.write(ctx, conn, msg)
}

func (s *Session) write(ctx context.Context, conn core.Conn, msg *domain.Message) {
	f, err := rpc.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("encode")
		return
	}
	if err := conn.WriteFrame(ctx, f); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("write failed")
	}
}

// onConnLost handles the end of conn's read loop. Only the current
// connection of a connected session starts a reconnect; attempts in
// progress fail through their own handshake.
func (s *Session) onConnLost(conn core.Conn, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.status != domain.StatusConnected {
		s.mu.Unlock()
		s.pending.RejectInFlight(rpc.ErrConnectionClosed)
		return
	}
	s.status = domain.StatusReconnecting
	life := s.life
	s.mu.Unlock()

	n := s.pending.RejectInFlight(rpc.ErrConnectionClosed)
	log.Warn().Err(cause).Str("module", "session").Int("rejected", n).Msg("connection lost, reconnecting")
	s.emit(s.snapshot(domain.SessionReconnecting))
	go s.reconnectLoop(life)
}

func (s *Session) reconnectLoop(life context.Context) {
	mgr := retry.NewManager(s.cfg.Retry)
	var lastErr error
	for mgr.ShouldRetry() {
		if err := mgr.Wait(life); err != nil {
			return
		}
		s.mu.Lock()
		protocol := s.protocol
		s.mu.Unlock()

		err := s.establish(life, life, protocol, true)
		if err == nil {
			return
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.failAuth(authErr)
			return
		}
		if life.Err() != nil {
			return
		}
		lastErr = err
		log.Warn().Err(err).Str("module", "session").Int("attempt", mgr.Attempt()).Msg("reconnect attempt failed")
	}
	if life.Err() != nil {
		return
	}
	log.Error().Err(lastErr).Str("module", "session").Msg("reconnect attempts exhausted")
	s.close(fmt.Errorf("reconnect gave up: %w", lastErr))
}

func (s *Session) pinger(life context.Context, conn core.Conn) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-life.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}

		ctx, cancel := context.WithTimeout(life, s.cfg.PingTimeout)
		_, err := s.callOn(ctx, conn, domain.MethodPing, map[string]any{})
		cancel()
		var rpcErr *domain.RPCError
		if err == nil || errors.As(err, &rpcErr) {
			continue
		}
		if life.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("module", "session").Msg("ping failed, recycling connection")
		_ = conn.Close()
		return
	}
}

// Disconnect closes the session on purpose. Nothing reconnects afterwards
// until Connect is called again.
func (s *Session) Disconnect(_ context.Context) error {
	s.mu.Lock()
	if s.status == domain.StatusIdle || s.status == domain.StatusClosed {
		s.auth = domain.AuthUnauthorized
		s.mu.Unlock()
		return nil
	}
	s.status = domain.StatusDisconnecting
	s.mu.Unlock()

	s.close(nil)
	log.Info().Str("module", "session").Msg("disconnected")
	return nil
}

// close tears everything down and publishes SessionDisconnected.
func (s *Session) close(cause error) {
	s.mu.Lock()
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	conn := s.conn
	s.conn = nil
	s.queue = nil
	s.status = domain.StatusClosed
	s.auth = domain.AuthUnauthorized
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.pending.RejectAll(rpc.ErrConnectionClosed)
	ev := s.snapshot(domain.SessionDisconnected)
	ev.Err = cause
	s.emit(ev)
}

// ForceClose drops the current connection as if the network failed.
func (s *Session) ForceClose() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) snapshot(kind domain.SessionEventKind) domain.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := domain.SessionEvent{
		Kind:       kind,
		Status:     s.status,
		AuthStatus: s.auth,
		Protocol:   s.protocol,
		At:         time.Now(),
	}
	if s.authErr != nil {
		ev.Err = s.authErr
	}
	return ev
}

func (s *Session) emit(ev domain.SessionEvent) {
	s.bus.Session.Publish(ev)
}

func (s *Session) Bus() *bus.Bus { return s.bus }

func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) AuthStatus() domain.AuthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *Session) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Authorization() *domain.Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorization
}

func (s *Session) ICEServers() []domain.ICEServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ICEServer(nil), s.iceServers...)
}

// AuthCount is the number of successful handshakes.
func (s *Session) AuthCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCount
}

// LastAuthError is the error that closed the session, if any.
func (s *Session) LastAuthError() *AuthError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authErr
}

// PendingLen is the size of the request table.
func (s *Session) PendingLen() int { return s.pending.Len() }

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
