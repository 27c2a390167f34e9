package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
)

// tokenExpiry reads the exp claim without verifying the signature; the relay
// does the verifying. Opaque tokens report ok=false.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (s *Session) watchExpiry(life context.Context) {
	if s.cfg.ExpiryCheckInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.ExpiryCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-life.Done():
			return
		case now := <-t.C:
			s.checkExpiry(now)
		}
	}
}

// checkExpiry fires SessionExpiring once per token inside the margin and
// closes the session once the token is past its expiry.
func (s *Session) checkExpiry(now time.Time) {
	s.mu.Lock()
	token, status, warned := s.token, s.status, s.expiringFor
	s.mu.Unlock()
	if status != domain.StatusConnected && status != domain.StatusReconnecting {
		return
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return
	}
	remaining := exp.Sub(now)
	if remaining <= 0 {
		log.Warn().Str("module", "session").Time("exp", exp).Msg("token expired without refresh")
		s.failAuth(&AuthError{Code: domain.CodeAuthFailed, Message: "token expired"})
		return
	}
	if remaining > s.cfg.ExpiryMargin || warned == token {
		return
	}

	s.mu.Lock()
	if s.token != token {
		s.mu.Unlock()
		return
	}
	s.expiringFor = token
	s.mu.Unlock()

	log.Info().Str("module", "session").Dur("remaining", remaining).Msg("token expiring")
	ev := s.snapshot(domain.SessionExpiring)
	ev.ExpiresIn = remaining
	s.emit(ev)
}
