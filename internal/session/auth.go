package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/rpc"
)

// authenticate performs the signalwire.connect handshake on conn. Any error
// answer from the relay is an AuthError.
func (s *Session) authenticate(ctx context.Context, conn core.Conn, protocol string) (*domain.ConnectResult, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	params := domain.ConnectParams{
		Version:        domain.CurrentProtocolVersion,
		Authentication: domain.Authentication{JWTToken: token},
		Protocol:       protocol,
		EventAcks:      true,
		Agent:          s.cfg.Agent,
	}
	raw, err := s.callOn(ctx, conn, domain.MethodConnect, params)
	if err != nil {
		var rpcErr *domain.RPCError
		if errors.As(err, &rpcErr) {
			return nil, &AuthError{Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	var res domain.ConnectResult
	if err := rpc.DecodeInto(raw, &res); err != nil {
		return nil, fmt.Errorf("handshake result: %w", err)
	}
	return &res, nil
}

// failAuth is terminal for the current life of the session.
func (s *Session) failAuth(authErr *AuthError) {
	s.mu.Lock()
	if s.status == domain.StatusClosed || s.status == domain.StatusIdle {
		s.mu.Unlock()
		return
	}
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	conn := s.conn
	s.conn = nil
	s.queue = nil
	s.status = domain.StatusClosed
	s.auth = domain.AuthUnauthorized
	s.authErr = authErr
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.pending.RejectAll(authErr)
	log.Error().Err(authErr).Str("module", "session").Msg("authentication failed")
	ev := s.snapshot(domain.SessionAuthError)
	ev.Err = authErr
	s.emit(ev)
}

// Reauthenticate swaps the token. A connected session refreshes its grant in
// place; a reconnecting one uses the token on the next attempt; an idle or
// closed one connects.
func (s *Session) Reauthenticate(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	_, err, _ := s.flight.Do("reauthenticate", func() (any, error) {
		return nil, s.reauthenticate(ctx)
	})
	return err
}

func (s *Session) reauthenticate(ctx context.Context) error {
	s.mu.Lock()
	status, conn, token := s.status, s.conn, s.token
	s.mu.Unlock()

	switch status {
	case domain.StatusConnecting, domain.StatusReconnecting:
		log.Debug().Str("module", "session").Msg("token stored for the next attempt")
		return nil
	case domain.StatusConnected:
	default:
		return s.Connect(ctx)
	}

	raw, err := s.callOn(ctx, conn, domain.MethodReauthenticate, domain.ReauthenticateParams{JWTToken: token})
	if err != nil {
		var rpcErr *domain.RPCError
		if errors.As(err, &rpcErr) {
			authErr := &AuthError{Code: rpcErr.Code, Message: rpcErr.Message}
			s.failAuth(authErr)
			return authErr
		}
		return fmt.Errorf("reauthenticate: %w", err)
	}

	var res struct {
		Authorization *domain.Authorization `json:"authorization"`
	}
	if len(raw) > 0 {
		if err := rpc.DecodeInto(raw, &res); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("ignoring reauthenticate result")
		}
	}

	s.mu.Lock()
	if res.Authorization != nil {
		s.authorization = res.Authorization
	}
	s.authCount++
	s.expiringFor = ""
	s.mu.Unlock()

	log.Info().Str("module", "session").Msg("reauthenticated")
	s.emit(s.snapshot(domain.SessionReauthenticated))
	return nil
}

func (s *Session) loadProtocol(ctx context.Context) string {
	v, ok, err := s.storage.Get(ctx, protocolKey)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("load relay protocol")
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (s *Session) saveProtocol(ctx context.Context, protocol string) {
	if protocol == "" {
		return
	}
	if err := s.storage.Set(ctx, protocolKey, protocol); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("persist relay protocol")
	}
}
