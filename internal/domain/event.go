package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Server-initiated methods understood by the session.
const (
	MethodConnect        = "signalwire.connect"
	MethodReauthenticate = "signalwire.reauthenticate"
	MethodPing           = "signalwire.ping"
	MethodEvent          = "signalwire.event"
	MethodDisconnect     = "signalwire.disconnect"
)

// ServerEvent is the wire shape of a signalwire.event params object.
type ServerEvent struct {
	EventType    string          `json:"event_type"`
	EventChannel string          `json:"event_channel,omitempty"`
	Timestamp    float64         `json:"timestamp,omitempty"`
	Params       json.RawMessage `json:"params"`
}

// Action is the internal shape every server event is normalized to before it
// reaches the raw-event channel.
type Action struct {
	Type     string
	Channel  string
	Payload  map[string]any
	Received time.Time
}

// Prefix returns the product prefix of the action type ("video" for
// "video.member.updated").
func (a Action) Prefix() string {
	prefix, _, _ := strings.Cut(a.Type, ".")
	return prefix
}

// Event returns the action type without its product prefix.
func (a Action) Event() string {
	_, event, ok := strings.Cut(a.Type, ".")
	if !ok {
		return a.Type
	}
	return event
}

// String field helper over Payload.
func (a Action) String(field string) string {
	if v, ok := a.Payload[field].(string); ok {
		return v
	}
	return ""
}

// Normalize converts the wire event into an Action.
func (e *ServerEvent) Normalize(received time.Time) (Action, error) {
	if e.EventType == "" {
		return Action{}, fmt.Errorf("event without event_type")
	}
	payload := map[string]any{}
	if len(e.Params) > 0 && string(e.Params) != "null" {
		if err := json.Unmarshal(e.Params, &payload); err != nil {
			return Action{}, fmt.Errorf("decode params of %s: %w", e.EventType, err)
		}
	}
	return Action{
		Type:     e.EventType,
		Channel:  e.EventChannel,
		Payload:  payload,
		Received: received,
	}, nil
}

// ChatMessage is a decoded pub/sub message delivered on the product channel.
type ChatMessage struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	Content     any            `json:"content"`
	Meta        map[string]any `json:"meta,omitempty"`
	PublishedAt float64        `json:"published_at,omitempty"`
	Member      *ChatMember    `json:"member,omitempty"`
}

type ChatMember struct {
	ID      string         `json:"id"`
	Channel string         `json:"channel,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

// DecodeChatMessage extracts a ChatMessage from a chat.channel.message action.
func DecodeChatMessage(a Action) (ChatMessage, error) {
	raw, ok := a.Payload["message"]
	if !ok {
		raw = a.Payload
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ChatMessage{}, err
	}
	var msg ChatMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}
	if msg.Channel == "" {
		msg.Channel = a.String("channel")
	}
	return msg, nil
}
