package orch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/adapters/relay"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/retry"
	"github.com/dkeye/Relay/internal/session"
	"github.com/dkeye/Relay/internal/storage"
	"github.com/dkeye/Relay/internal/transport/memconn"
)

type fixture struct {
	client *Client
	relay  *relay.Handler
}

func newFixture(t *testing.T, cb Callbacks) *fixture {
	t.Helper()
	h := relay.NewHandler(relay.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := &memconn.Dialer{Accept: func(c core.Conn) { h.Serve(ctx, c) }}
	c := New(Options{
		Dialer:  d,
		Token:   "token",
		Storage: storage.NewMemory(),
		Session: session.Config{
			RequestTimeout: 2 * time.Second,
			Retry:          retry.Config{Kind: retry.Fixed, Delay: 10 * time.Millisecond, Immediate: true},
		},
		Callbacks:      cb,
		RestartBackoff: time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return &fixture{client: c, relay: h}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.client.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.client.Status() == domain.StatusConnected }, 2*time.Second, 5*time.Millisecond)
}

// emit asks the stub relay to push eventType back to this client.
func (f *fixture) emit(t *testing.T, eventType string, params map[string]any) {
	t.Helper()
	_, err := f.client.Execute(context.Background(), "event.emit", map[string]any{
		"event_type": eventType,
		"params":     params,
	})
	require.NoError(t, err)
}

func TestCallbacksFollowSessionLifecycle(t *testing.T) {
	var connected, reconnecting atomic.Int32
	f := newFixture(t, Callbacks{
		OnConnected:    func(domain.SessionEvent) { connected.Add(1) },
		OnReconnecting: func(domain.SessionEvent) { reconnecting.Add(1) },
	})
	f.connect(t)
	require.Eventually(t, func() bool { return connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.client.ForceClose()
	require.Eventually(t, func() bool { return connected.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), reconnecting.Load())
}

func TestRouterScopesEventsByNamespace(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	a := f.client.NewComponent("room-a", "video")
	b := f.client.NewComponent("room-b", "video")
	var aJoined, bJoined, aList, root atomic.Int32
	a.On("member.joined", func(any) { aJoined.Add(1) })
	a.On("member.list.updated", func(any) { aList.Add(1) })
	b.On("member.joined", func(any) { bJoined.Add(1) })
	f.client.On("video.member.joined", func(any) { root.Add(1) })

	f.emit(t, "video.member.joined", map[string]any{"room_session_id": "room-a", "member": map[string]any{"id": "m1"}})

	require.Eventually(t, func() bool { return root.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), aJoined.Load())
	assert.Equal(t, int32(1), aList.Load())
	assert.Equal(t, int32(0), bJoined.Load())

	v, ok := a.Get("member")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "m1"}, v)
}

func TestRouterTranslatesTalking(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	var started, ended atomic.Int32
	f.client.On("video.member.talking.started", func(any) { started.Add(1) })
	f.client.On("video.member.talking.ended", func(any) { ended.Add(1) })

	f.emit(t, "video.member.talking", map[string]any{"room_session_id": "r", "talking": true})
	f.emit(t, "video.member.talking", map[string]any{"room_session_id": "r", "talking": false})

	require.Eventually(t, func() bool { return started.Load() == 1 && ended.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRouterAppliesAliases(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	var joined atomic.Int32
	f.client.On("video.room.joined", func(any) { joined.Add(1) })
	f.emit(t, "video.room.subscribed", map[string]any{"room_session_id": "r"})

	require.Eventually(t, func() bool { return joined.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestInboundCallLifecycle(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	received := make(chan *app.Component, 1)
	var ended atomic.Int32
	f.client.On(eventCallReceived, func(v any) {
		call := v.(*app.Component)
		call.On(eventCallEnded, func(any) { ended.Add(1) })
		received <- call
	})

	f.emit(t, eventCallReceived, map[string]any{"call_id": "call-1", "call_state": "ringing"})
	var call *app.Component
	select {
	case call = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("call not received")
	}
	assert.Equal(t, "call-1", call.ID())
	state, _ := call.Get("call_state")
	assert.Equal(t, "ringing", state)
	_, ok := f.client.Component("call-1")
	require.True(t, ok)

	f.emit(t, "calling.call.state", map[string]any{"call_id": "call-1", "call_state": "ended"})

	require.Eventually(t, func() bool { return ended.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, call.Destroyed, 2*time.Second, 5*time.Millisecond)
	_, ok = f.client.Component("call-1")
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		_, ok := f.client.Registry().Get("call-1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistrySurvivesReconnect(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	f.emit(t, "video.room.started", map[string]any{"room_session_id": "room-1", "name": "lobby"})
	require.Eventually(t, func() bool {
		_, ok := f.client.Registry().Get("room-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	f.client.ForceClose()
	require.Eventually(t, func() bool {
		return f.client.Status() == domain.StatusConnected && f.relay.Connects() == 2
	}, 2*time.Second, 5*time.Millisecond)

	snap, ok := f.client.Registry().Get("room-1")
	require.True(t, ok)
	assert.Equal(t, "lobby", snap.State["name"])
}

func TestRoomEndedDropsNamespace(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	room := f.client.NewComponent("room-9", "video")
	var ended atomic.Int32
	room.On("room.ended", func(any) { ended.Add(1) })

	f.emit(t, "video.room.started", map[string]any{"room_session_id": "room-9"})
	require.Eventually(t, func() bool {
		_, ok := f.client.Registry().Get("room-9")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	f.emit(t, "video.room.ended", map[string]any{"room_session_id": "room-9"})
	require.Eventually(t, func() bool { return ended.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := f.client.Registry().Get("room-9")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, room.Destroyed, 2*time.Second, 5*time.Millisecond)
	_, ok := f.client.Component("room-9")
	assert.False(t, ok)
}

func TestGenericIDOnlyUpdatesKnownComponents(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	var root atomic.Int32
	f.client.On("video.member.updated", func(any) { root.Add(1) })
	f.client.NewComponent("m-known", "video")

	f.emit(t, "video.member.updated", map[string]any{"id": "m-stray", "name": "x"})
	f.emit(t, "video.member.updated", map[string]any{"id": "m-known", "name": "y"})
	require.Eventually(t, func() bool { return root.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, ok := f.client.Registry().Get("m-stray")
	assert.False(t, ok)
	snap, ok := f.client.Registry().Get("m-known")
	require.True(t, ok)
	assert.Equal(t, "y", snap.State["name"])
}

func TestListenDeliversUntilUnsubscribed(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.connect(t)

	got := make(chan domain.ChatMessage, 8)
	unsubscribe, err := f.client.Listen(context.Background(), ListenOptions{
		Channels:  []string{"general"},
		OnMessage: func(m domain.ChatMessage) { got <- m },
	})
	require.NoError(t, err)

	publish := func(channel, content string) {
		_, err := f.client.Execute(context.Background(), "chat.publish", map[string]any{"channel": channel, "content": content})
		require.NoError(t, err)
	}
	publish("general", "hello")

	select {
	case m := <-got:
		assert.Equal(t, "general", m.Channel)
		assert.Equal(t, "hello", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	unsubscribe()
	unsubscribe()
	publish("general", "after")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got)
}

func TestListenRequiresChannelsAndHandler(t *testing.T) {
	f := newFixture(t, Callbacks{})
	_, err := f.client.Listen(context.Background(), ListenOptions{Channels: []string{"x"}})
	require.Error(t, err)
	_, err = f.client.Listen(context.Background(), ListenOptions{OnMessage: func(domain.ChatMessage) {}})
	require.Error(t, err)
}

func TestRemoveAllListenersKeepsComponents(t *testing.T) {
	f := newFixture(t, Callbacks{})
	comp := f.client.NewComponent("room-1", "video")
	comp.On("room.updated", func(any) {})
	f.client.On("video.room.updated", func(any) {})
	f.client.On("session.connected", func(any) {})

	assert.Equal(t, 2, f.client.RemoveAllListeners())
	assert.Equal(t, 1, f.client.Bus().Emitter.ListenerCount(comp.Key("room.updated")))
}
