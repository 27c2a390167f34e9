package orch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/adapters/rtc"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/bus"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/session"
)

// Callbacks are invoked by the session watcher, in event order.
type Callbacks struct {
	OnConnected       func(domain.SessionEvent)
	OnReconnecting    func(domain.SessionEvent)
	OnDisconnected    func(domain.SessionEvent)
	OnAuthError       func(domain.SessionEvent)
	OnSessionExpiring func(domain.SessionEvent)
}

type Options struct {
	Dialer    core.Dialer
	Token     string
	Storage   core.Storage
	Session   session.Config
	Callbacks Callbacks
	// RestartBackoff is the pause before a crashed top-level worker respawns.
	RestartBackoff time.Duration
}

// Client is the consumer facade. It owns the session, the event bus, the
// component registry and the top-level workers.
type Client struct {
	session   *session.Session
	bus       *bus.Bus
	registry  *app.Registry
	workers   *app.Supervisor
	callbacks Callbacks

	mu         sync.Mutex
	listeners  []bus.Listener
	components map[string]*app.Component
}

func New(opts Options) *Client {
	b := bus.New()
	s := session.New(session.Options{
		Dialer:  opts.Dialer,
		Token:   opts.Token,
		Storage: opts.Storage,
		Bus:     b,
		Config:  opts.Session,
	})
	c := &Client{
		session:    s,
		bus:        b,
		registry:   app.NewRegistry(),
		workers:    app.NewSupervisor(context.Background()),
		callbacks:  opts.Callbacks,
		components: make(map[string]*app.Component),
	}

	backoff := opts.RestartBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	// Subscriptions are taken here so nothing published after New returns
	// is missed by a worker that has not been scheduled yet.
	lifecycle := b.Session.Subscribe()
	routed := b.Raw.Subscribe()
	chat := b.Raw.Subscribe()
	c.workers.Run("", "session-watcher", app.Restartable("session-watcher", backoff, c.sessionWatcher(lifecycle)))
	c.workers.Run("", "event-router", app.Restartable("event-router", backoff, c.eventRouter(routed)))
	c.workers.Run("", "pubsub-decoder", app.Restartable("pubsub-decoder", backoff, c.pubsubDecoder(chat)))
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.session.Disconnect(ctx)
}

// Close disconnects and stops every worker. The client is unusable
// afterwards.
func (c *Client) Close(ctx context.Context) error {
	_ = c.session.Disconnect(ctx)
	err := c.workers.Shutdown(ctx)
	c.bus.Close()
	log.Info().Str("module", "orch").Msg("client closed")
	return err
}

func (c *Client) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.session.Execute(ctx, method, params)
}

func (c *Client) Reauthenticate(ctx context.Context, token string) error {
	return c.session.Reauthenticate(ctx, token)
}

// ForceClose drops the connection as a network failure would; the session
// reconnects on its own.
func (c *Client) ForceClose() { c.session.ForceClose() }

func (c *Client) Status() domain.SessionStatus { return c.session.Status() }

func (c *Client) AuthStatus() domain.AuthStatus { return c.session.AuthStatus() }

func (c *Client) Session() *session.Session { return c.session }

func (c *Client) Registry() *app.Registry { return c.registry }

func (c *Client) Bus() *bus.Bus { return c.bus }

// PeerConfiguration is the WebRTC configuration for the ICE servers granted
// by the last handshake.
func (c *Client) PeerConfiguration() webrtc.Configuration {
	return rtc.Configuration(c.session.ICEServers())
}

// NewPeerConnection opens a WebRTC peer against the granted ICE servers.
// The caller owns it and must Close it.
func (c *Client) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return rtc.NewPeerConnection(c.session.ICEServers())
}

// On listens on a root event: "session.connected", or any full server event
// type such as "video.room.started".
func (c *Client) On(event string, fn bus.Handler) bus.Listener {
	return c.track(c.bus.Emitter.On(bus.Root(event), fn))
}

func (c *Client) Once(event string, fn bus.Handler) bus.Listener {
	return c.track(c.bus.Emitter.Once(bus.Root(event), fn))
}

func (c *Client) track(l bus.Listener) bus.Listener {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return l
}

func (c *Client) Off(l bus.Listener) bool {
	return c.bus.Emitter.Off(l)
}

// RemoveAllListeners removes the root listeners registered through the
// client. Component listeners are untouched.
func (c *Client) RemoveAllListeners() int {
	c.mu.Lock()
	ls := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	n := 0
	for _, l := range ls {
		if c.bus.Emitter.Off(l) {
			n++
		}
	}
	return n
}

func (c *Client) deps() app.Deps {
	return app.Deps{
		Registry:   c.registry,
		Emitter:    c.bus.Emitter,
		Executor:   c.session,
		Supervisor: c.workers,
	}
}

// NewComponent returns the component for id, creating it on first use.
func (c *Client) NewComponent(id, prefix string) *app.Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.components[id]; ok && !comp.Destroyed() {
		return comp
	}
	comp := app.NewComponent(id, prefix, c.deps())
	c.components[id] = comp
	return comp
}

func (c *Client) Component(id string) (*app.Component, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.components[id]
	if !ok || comp.Destroyed() {
		return nil, false
	}
	return comp, true
}

// DestroyComponent destroys id and forgets it.
func (c *Client) DestroyComponent(id string) bool {
	c.mu.Lock()
	comp, ok := c.components[id]
	delete(c.components, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	comp.Destroy()
	return true
}
