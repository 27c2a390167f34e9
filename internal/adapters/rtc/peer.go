// Package rtc turns the ICE servers granted by the relay handshake into
// pion/webrtc configuration for media layers.
package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
)

const fallbackSTUN = "stun:stun.l.google.com:19302"

func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{fallbackSTUN},
			},
		},
	}
}

func ICEServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

// Configuration falls back to a public STUN server when the relay granted
// none.
func Configuration(servers []domain.ICEServer) webrtc.Configuration {
	ice := ICEServers(servers)
	if len(ice) == 0 {
		return DefaultConfiguration()
	}
	return webrtc.Configuration{ICEServers: ice}
}

// NewPeerConnection opens a peer connection configured from servers. The
// caller owns it and must Close it.
func NewPeerConnection(servers []domain.ICEServer) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(Configuration(servers))
	if err != nil {
		return nil, err
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
	})
	return pc, nil
}
