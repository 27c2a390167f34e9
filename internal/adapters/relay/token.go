package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Relay/internal/domain"
)

var errInvalidToken = errors.New("invalid token")

// Claims is what the stub relay reads out of a client token.
type Claims struct {
	Kind     domain.AuthorizationKind `json:"kind,omitempty"`
	Project  string                   `json:"project,omitempty"`
	Room     string                   `json:"room,omitempty"`
	Channels []string                 `json:"channels,omitempty"`
	Scopes   []string                 `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs claims with secret. Used by tests and the stubrelay CLI.
func IssueToken(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// validateToken checks the token signature when a secret is configured and
// always checks expiry. Without a secret any non-empty token is accepted;
// opaque (non-JWT) tokens get default claims.
func (h *Handler) validateToken(token string) (*Claims, error) {
	if token == "" {
		return nil, errInvalidToken
	}
	claims := &Claims{}
	if h.opts.Secret != "" {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(h.opts.Secret), nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
		}
		return claims, nil
	}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return &Claims{}, nil
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: token is expired", errInvalidToken)
	}
	return claims, nil
}

func (c *Claims) authorization(defaultProject string) *domain.Authorization {
	project := c.Project
	if project == "" {
		project = defaultProject
	}
	var exp int64
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Unix()
	}
	switch c.Kind {
	case domain.AuthorizationChat:
		return domain.NewChatAuthorization(project, c.Subject, c.Channels, 0, exp)
	default:
		room := c.Room
		if room == "" {
			room = "lobby"
		}
		return domain.NewVideoAuthorization(project, room, c.Scopes, exp)
	}
}
