package orch

import (
	"context"
	"errors"
	"maps"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/bus"
	"github.com/dkeye/Relay/internal/domain"
)

const (
	prefixCalling = "calling"
	prefixChat    = "chat"

	eventCallReceived = "calling.call.received"
	eventCallState    = "call.state"
	eventCallEnded    = "call.ended"
	eventChatMessage  = "chat.channel.message"
)

// namespaceFields are checked in order to find the component an event
// belongs to.
var namespaceFields = []string{"room_session_id", "call_id", "id"}

// genericField only scopes events to components that already exist; it never
// opens a registry entry on its own.
const genericField = "id"

// terminalEvents end their namespace: after delivery the registry entry and
// any component under it are dropped.
var terminalEvents = map[string]bool{
	"video.room.ended": true,
}

// aliases renames wire events to the names consumers listen for.
var aliases = map[string]string{
	"video.room.subscribed": "video.room.joined",
}

// recv loops over sub until ctx ends, feeding handle.
func recv[T any](ctx context.Context, sub *bus.Subscription[T], handle func(T)) error {
	for {
		v, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(v)
	}
}

func (c *Client) sessionWatcher(sub *bus.Subscription[domain.SessionEvent]) app.WorkerFunc {
	return func(ctx context.Context) error {
		return recv(ctx, sub, c.onSessionEvent)
	}
}

func (c *Client) onSessionEvent(ev domain.SessionEvent) {
	log.Debug().Str("module", "orch").Str("kind", string(ev.Kind)).Str("status", string(ev.Status)).Msg("session event")
	var cb func(domain.SessionEvent)
	switch ev.Kind {
	case domain.SessionConnected:
		cb = c.callbacks.OnConnected
	case domain.SessionReconnecting:
		cb = c.callbacks.OnReconnecting
	case domain.SessionDisconnected:
		cb = c.callbacks.OnDisconnected
	case domain.SessionAuthError:
		cb = c.callbacks.OnAuthError
	case domain.SessionExpiring:
		cb = c.callbacks.OnSessionExpiring
	}
	if cb != nil {
		cb(ev)
	}
	c.bus.Emitter.Emit(bus.Root("session."+string(ev.Kind)), ev)
}

func (c *Client) eventRouter(sub *bus.Subscription[domain.Action]) app.WorkerFunc {
	return func(ctx context.Context) error {
		return recv(ctx, sub, c.route)
	}
}

// namespaceOf returns the namespace of a and whether it came from the
// generic id field.
func namespaceOf(a domain.Action) (string, bool) {
	if a.Prefix() == prefixChat {
		if ch := a.String("channel"); ch != "" {
			return ch, false
		}
	}
	for _, f := range namespaceFields {
		if v := a.String(f); v != "" {
			return v, f == genericField
		}
	}
	return "", false
}

// route applies one server event: registry update, translation, then the
// scoped and root emits. Handlers run on this worker, never on the read
// loop, so they may call Execute.
func (c *Client) route(a domain.Action) {
	ns, generic := namespaceOf(a)
	if ns != "" {
		if _, known := c.Component(ns); !generic || known {
			c.registry.Upsert(ns, maps.Clone(a.Payload))
		}
	}

	if a.Type == eventCallReceived && ns != "" {
		c.onCallReceived(ns, a)
		return
	}

	for _, typ := range translate(a) {
		t := a
		t.Type = typ
		if ns != "" {
			c.bus.Emitter.Emit(bus.Key{Prefix: t.Prefix(), Namespace: ns, Event: t.Event()}, t)
		}
		c.bus.Emitter.Emit(bus.Root(typ), t)
	}

	if terminalEvents[a.Type] && ns != "" {
		c.DestroyComponent(ns)
		c.registry.Cleanup(ns)
		log.Debug().Str("module", "orch").Str("namespace", ns).Str("event", a.Type).Msg("namespace ended")
	}
}

// translate maps one wire event to the public events it produces.
func translate(a domain.Action) []string {
	if alias, ok := aliases[a.Type]; ok {
		return []string{alias}
	}
	if a.Type == "video.member.talking" {
		if talking, ok := a.Payload["talking"].(bool); ok {
			if talking {
				return []string{a.Type, "video.member.talking.started"}
			}
			return []string{a.Type, "video.member.talking.ended"}
		}
	}
	return []string{a.Type}
}

// onCallReceived turns an inbound call into a component with a worker that
// follows its state until it ends. Root listeners of calling.call.received
// get the *app.Component.
func (c *Client) onCallReceived(callID string, a domain.Action) {
	call := c.NewComponent(callID, prefixCalling)
	states, stop := c.bus.Emitter.Stream(call.Key(eventCallState))
	call.RunWorker("call-state", func(ctx context.Context) error {
		defer stop()
		return recv(ctx, states, func(v any) {
			action, ok := v.(domain.Action)
			if !ok || action.String("call_state") != "ended" {
				return
			}
			log.Info().Str("module", "orch").Str("call_id", callID).Msg("call ended")
			call.Emit(eventCallEnded, action)
			c.DestroyComponent(callID)
		})
	})
	log.Info().Str("module", "orch").Str("call_id", callID).Msg("call received")
	c.bus.Emitter.Emit(bus.Root(a.Type), call)
}

func (c *Client) pubsubDecoder(sub *bus.Subscription[domain.Action]) app.WorkerFunc {
	return func(ctx context.Context) error {
		return recv(ctx, sub, func(a domain.Action) {
			if a.Type != eventChatMessage {
				return
			}
			msg, err := domain.DecodeChatMessage(a)
			if err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("dropping chat message")
				return
			}
			c.bus.PubSub.Publish(msg)
		})
	}
}
