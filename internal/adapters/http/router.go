package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/adapters/relay"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/transport/ws"
)

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

type tokenRequest struct {
	Kind     string   `json:"kind"`
	Subject  string   `json:"subject"`
	Room     string   `json:"room"`
	Channels []string `json:"channels"`
	Scopes   []string `json:"scopes"`
	TTL      int      `json:"ttl_seconds"`
}

// SetupRouter exposes the stub relay: the websocket endpoint, a token mint
// for local runs and a few read-only probes.
func SetupRouter(ctx context.Context, cfg *config.Config, h *relay.Handler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	api := r.Group("/api")

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"conns":    h.Conns(),
			"connects": h.Connects(),
			"acks":     h.Acks(),
		})
	})

	api.POST("/token", func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token request"})
			return
		}
		kind := domain.AuthorizationKind(req.Kind)
		switch kind {
		case "":
			kind = domain.AuthorizationVideo
		case domain.AuthorizationVideo, domain.AuthorizationChat:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be video or chat"})
			return
		}
		if req.TTL <= 0 {
			req.TTL = 3600
		}
		if req.Subject == "" {
			req.Subject = uuid.NewString()
		}
		// Without a stub secret tokens are read unverified, so any key signs.
		secret := cfg.Stub.Secret
		if secret == "" {
			secret = "unsigned"
		}
		now := time.Now()
		token, err := relay.IssueToken(secret, relay.Claims{
			Kind:     kind,
			Project:  cfg.Stub.Project,
			Room:     req.Room,
			Channels: req.Channels,
			Scopes:   req.Scopes,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   req.Subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(req.TTL) * time.Second)),
			},
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	api.GET("/relay", func(c *gin.Context) {
		conn, err := ws.Upgrade(c.Writer, c.Request, cfg.ReadLimit)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("upgrade failed")
			return
		}
		log.Info().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("relay connection upgraded")
		h.Serve(ctx, conn)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
