package domain

import (
	"encoding/json"
	"fmt"
)

type AuthorizationKind string

const (
	AuthorizationVideo  AuthorizationKind = "video"
	AuthorizationChat   AuthorizationKind = "chat"
	AuthorizationVoice  AuthorizationKind = "voice"
	AuthorizationFabric AuthorizationKind = "fabric"
)

// ProtocolVersion is sent in every connect request.
type ProtocolVersion struct {
	Major    int `json:"major"`
	Minor    int `json:"minor"`
	Revision int `json:"revision"`
}

var CurrentProtocolVersion = ProtocolVersion{Major: 3, Minor: 0, Revision: 0}

type Authentication struct {
	JWTToken string `json:"jwt_token"`
}

// ConnectParams are the params of signalwire.connect.
type ConnectParams struct {
	Version        ProtocolVersion `json:"version"`
	Authentication Authentication  `json:"authentication"`
	Protocol       string          `json:"protocol,omitempty"`
	EventAcks      bool            `json:"event_acks"`
	Agent          string          `json:"agent,omitempty"`
}

// ReauthenticateParams are the params of signalwire.reauthenticate.
type ReauthenticateParams struct {
	Project  string `json:"project,omitempty"`
	JWTToken string `json:"jwt_token"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ConnectResult is the handshake response.
type ConnectResult struct {
	Identity      string         `json:"identity"`
	Protocol      string         `json:"protocol"`
	Authorization *Authorization `json:"authorization,omitempty"`
	ICEServers    []ICEServer    `json:"ice_servers,omitempty"`
}

// Authorization is the product specific grant returned by the handshake.
// Exactly one of the variant pointers matching Kind is set.
type Authorization struct {
	Kind   AuthorizationKind
	Video  *VideoAuthorization
	Chat   *ChatAuthorization
	Voice  *VoiceAuthorization
	Fabric *FabricAuthorization
}

type authorizationCommon struct {
	Type      AuthorizationKind `json:"type"`
	Project   string            `json:"project,omitempty"`
	ScopeID   string            `json:"scope_id,omitempty"`
	Scopes    []string          `json:"scopes,omitempty"`
	Signature string            `json:"signature,omitempty"`
	ExpiresAt int64             `json:"expires_at,omitempty"`
	Resource  string            `json:"resource,omitempty"`
}

type VideoRoom struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`
}

type VideoAuthorization struct {
	authorizationCommon
	Room   *VideoRoom `json:"room,omitempty"`
	JoinAs string     `json:"join_as,omitempty"`
}

type ChatAuthorization struct {
	authorizationCommon
	Channels map[string]map[string]bool `json:"channels,omitempty"`
	MemberID string                     `json:"member_id,omitempty"`
	TTL      int                        `json:"ttl,omitempty"`
}

type VoiceAuthorization struct {
	authorizationCommon
	Contexts []string `json:"contexts,omitempty"`
}

type FabricAuthorization struct {
	authorizationCommon
	SubscriberID string `json:"subscriber_id,omitempty"`
	Address      string `json:"address,omitempty"`
}

// ExpiresAt returns the expiry advertised by whichever variant is set.
func (a *Authorization) ExpiresAt() int64 {
	switch {
	case a == nil:
		return 0
	case a.Video != nil:
		return a.Video.ExpiresAt
	case a.Chat != nil:
		return a.Chat.ExpiresAt
	case a.Voice != nil:
		return a.Voice.ExpiresAt
	case a.Fabric != nil:
		return a.Fabric.ExpiresAt
	}
	return 0
}

func (a *Authorization) UnmarshalJSON(b []byte) error {
	var head struct {
		Type AuthorizationKind `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	*a = Authorization{Kind: head.Type}
	var target any
	switch head.Type {
	case AuthorizationVideo:
		a.Video = &VideoAuthorization{}
		target = a.Video
	case AuthorizationChat:
		a.Chat = &ChatAuthorization{}
		target = a.Chat
	case AuthorizationVoice:
		a.Voice = &VoiceAuthorization{}
		target = a.Voice
	case AuthorizationFabric:
		a.Fabric = &FabricAuthorization{}
		target = a.Fabric
	default:
		return fmt.Errorf("unknown authorization type %q", head.Type)
	}
	return json.Unmarshal(b, target)
}

func (a Authorization) MarshalJSON() ([]byte, error) {
	var v any
	switch {
	case a.Kind == AuthorizationVideo && a.Video != nil:
		c := *a.Video
		c.Type = a.Kind
		v = c
	case a.Kind == AuthorizationChat && a.Chat != nil:
		c := *a.Chat
		c.Type = a.Kind
		v = c
	case a.Kind == AuthorizationVoice && a.Voice != nil:
		c := *a.Voice
		c.Type = a.Kind
		v = c
	case a.Kind == AuthorizationFabric && a.Fabric != nil:
		c := *a.Fabric
		c.Type = a.Kind
		v = c
	default:
		return nil, fmt.Errorf("authorization %q has no matching variant", a.Kind)
	}
	return json.Marshal(v)
}

// NewVideoAuthorization is a small helper for servers and tests.
func NewVideoAuthorization(project, room string, scopes []string, expiresAt int64) *Authorization {
	return &Authorization{
		Kind: AuthorizationVideo,
		Video: &VideoAuthorization{
			authorizationCommon: authorizationCommon{Project: project, Scopes: scopes, ExpiresAt: expiresAt},
			Room:                &VideoRoom{Name: room},
			JoinAs:              "member",
		},
	}
}

// NewChatAuthorization is a small helper for servers and tests.
func NewChatAuthorization(project, memberID string, channels []string, ttl int, expiresAt int64) *Authorization {
	grants := make(map[string]map[string]bool, len(channels))
	for _, ch := range channels {
		grants[ch] = map[string]bool{"read": true, "write": true}
	}
	return &Authorization{
		Kind: AuthorizationChat,
		Chat: &ChatAuthorization{
			authorizationCommon: authorizationCommon{Project: project, ExpiresAt: expiresAt},
			Channels:            grants,
			MemberID:            memberID,
			TTL:                 ttl,
		},
	}
}
