package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/rpc"
)

func newServerEvent(eventType, channel string, params any) (domain.ServerEvent, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return domain.ServerEvent{}, err
	}
	return domain.ServerEvent{EventType: eventType, EventChannel: channel, Params: raw}, nil
}

func (h *Handler) handleConnect(ctx context.Context, sc *serverConn, msg *domain.Message) {
	var p domain.ConnectParams
	if err := rpc.DecodeInto(msg.Params, &p); err != nil {
		h.replyError(ctx, sc, msg, domain.CodeInvalidParams, "bad connect params")
		return
	}
	claims, err := h.validateToken(p.Authentication.JWTToken)
	if err != nil {
		log.Info().Err(err).Str("module", "adapters.relay").Str("conn", sc.id).Msg("handshake rejected")
		h.replyError(ctx, sc, msg, domain.CodeAuthFailed, "Authentication failed")
		return
	}
	identity := claims.Subject
	if identity == "" {
		identity = uuid.NewString()
	}
	if !h.limiter.Allow(identity) {
		h.replyError(ctx, sc, msg, domain.CodeInternalError, "too many connection attempts")
		return
	}

	h.mu.Lock()
	h.requested = append(h.requested, p.Protocol)
	protocol := p.Protocol
	if protocol == "" || !h.protocols[protocol] {
		protocol = "signalwire_" + uuid.NewString()
		h.protocols[protocol] = true
	}
	h.mu.Unlock()

	sc.mu.Lock()
	sc.authed = true
	sc.protocol = protocol
	sc.claims = claims
	sc.mu.Unlock()
	h.connects.Add(1)

	log.Info().Str("module", "adapters.relay").Str("conn", sc.id).Str("protocol", protocol).Msg("handshake accepted")
	h.reply(ctx, sc, msg, domain.ConnectResult{
		Identity:      identity,
		Protocol:      protocol,
		Authorization: claims.authorization(h.opts.Project),
		ICEServers:    h.opts.ICEServers,
	})
}

func (h *Handler) handleReauthenticate(ctx context.Context, sc *serverConn, msg *domain.Message) {
	var p domain.ReauthenticateParams
	if err := rpc.DecodeInto(msg.Params, &p); err != nil {
		h.replyError(ctx, sc, msg, domain.CodeInvalidParams, "bad reauthenticate params")
		return
	}
	claims, err := h.validateToken(p.JWTToken)
	if err != nil {
		h.replyError(ctx, sc, msg, domain.CodeAuthFailed, "Authentication failed")
		return
	}
	sc.mu.Lock()
	sc.claims = claims
	sc.mu.Unlock()
	h.reply(ctx, sc, msg, map[string]any{"authorization": claims.authorization(h.opts.Project)})
}

type echoParams struct {
	N       int `json:"n"`
	DelayMS int `json:"delay_ms"`
}

func (h *Handler) handleEcho(ctx context.Context, sc *serverConn, msg *domain.Message) {
	var p echoParams
	if len(msg.Params) > 0 {
		if err := rpc.DecodeInto(msg.Params, &p); err != nil {
			h.replyError(ctx, sc, msg, domain.CodeInvalidParams, "bad echo params")
			return
		}
	}
	if p.DelayMS > 0 {
		t := time.NewTimer(time.Duration(p.DelayMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	h.reply(ctx, sc, msg, map[string]any{"n": p.N})
}

type emitParams struct {
	EventType    string          `json:"event_type"`
	EventChannel string          `json:"event_channel,omitempty"`
	Params       json.RawMessage `json:"params"`
}

// handleEventEmit answers first, then pushes the requested event to the
// caller.
func (h *Handler) handleEventEmit(ctx context.Context, sc *serverConn, msg *domain.Message) {
	var p emitParams
	if err := rpc.DecodeInto(msg.Params, &p); err != nil || p.EventType == "" {
		h.replyError(ctx, sc, msg, domain.CodeInvalidParams, "event_type is required")
		return
	}
	h.reply(ctx, sc, msg, map[string]any{})
	h.push(ctx, sc, domain.ServerEvent{EventType: p.EventType, EventChannel: p.EventChannel, Params: p.Params})
}

type channelsParams struct {
	Channels []struct {
		Name string `json:"name"`
	} `json:"channels"`
}

func (h *Handler) handleChatSubscribe(ctx context.Context, sc *serverConn, msg *domain.Message, subscribe bool) {
	var p channelsParams
	if err := rpc.DecodeInto(msg.Params, &p); err != nil {
		h.replyError(ctx, sc, msg, domain.CodeInvalidParams, "bad channels")
		return
	}
	names := make([]string, 0, len(p.Channels))
	sc.mu.Lock()
	for _, ch := range p.Channels {
		if subscribe {
			sc.channels[ch.Name] = true
		} else {
			delete(sc.channels, ch.Name)
		}
		names = append(names, ch.Name)
	}
	sc.mu.Unlock()
	h.reply(ctx, sc, msg, map[string]any{"channels": names})
}

type publishParams struct {
	Channel string         `json:"channel"`
	Content any            `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (h *Handler) handleChatPublish(ctx context.Context, sc *serverConn, msg *domain.Message) {
	var p publishParams
	if err := rpc.DecodeInto(msg.Params, &p); err != nil || p.Channel == "" {
		h.replyError(ctx, sc, msg, domain.CodeInvalidParams, "channel is required")
		return
	}
	sc.mu.RLock()
	var memberID string
	if sc.claims != nil {
		memberID = sc.claims.Subject
	}
	sc.mu.RUnlock()

	chat := domain.ChatMessage{
		ID:          uuid.NewString(),
		Channel:     p.Channel,
		Content:     p.Content,
		Meta:        p.Meta,
		PublishedAt: float64(time.Now().UnixMilli()) / 1000,
		Member:      &domain.ChatMember{ID: memberID, Channel: p.Channel},
	}
	ev, err := newServerEvent("chat.channel.message", p.Channel, map[string]any{"channel": p.Channel, "message": chat})
	if err != nil {
		h.replyError(ctx, sc, msg, domain.CodeInternalError, err.Error())
		return
	}
	h.reply(ctx, sc, msg, map[string]any{})
	for _, peer := range h.authorizedConns() {
		if peer.subscribed(p.Channel) {
			h.push(ctx, peer, ev)
		}
	}
}
