package relay

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/rpc"
	"github.com/dkeye/Relay/internal/transport/memconn"
)

type rawClient struct {
	t    *testing.T
	conn *memconn.Conn
}

func serve(t *testing.T, h *Handler) *rawClient {
	t.Helper()
	client, server := memconn.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})
	go h.Serve(ctx, server)
	return &rawClient{t: t, conn: client}
}

// call sends method and returns the first response frame.
func (c *rawClient) call(method string, params any) *domain.Message {
	c.t.Helper()
	req, err := domain.NewRequest(method, params)
	require.NoError(c.t, err)
	f, err := rpc.Encode(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteFrame(context.Background(), f))
	for {
		msg := c.next()
		if msg.IsResponse() && msg.ID == req.ID {
			return msg
		}
	}
}

func (c *rawClient) next() *domain.Message {
	c.t.Helper()
	type result struct {
		msg *domain.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.conn.ReadFrame()
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := rpc.Decode(f)
		ch <- result{msg: msg, err: err}
	}()
	select {
	case r := <-ch:
		require.NoError(c.t, r.err)
		return r.msg
	case <-time.After(2 * time.Second):
		c.t.Fatal("no frame from relay")
		return nil
	}
}

func connectParams(token, protocol string) domain.ConnectParams {
	return domain.ConnectParams{
		Version:        domain.CurrentProtocolVersion,
		Authentication: domain.Authentication{JWTToken: token},
		Protocol:       protocol,
		EventAcks:      true,
	}
}

func TestRequestsBeforeHandshakeAreRejected(t *testing.T) {
	c := serve(t, NewHandler(Options{}))
	res := c.call("echo.test", map[string]int{"n": 1})
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeAuthFailed, res.Error.Code)
}

func TestHandshakeAssignsAndReusesProtocol(t *testing.T) {
	h := NewHandler(Options{Project: "p1"})
	c := serve(t, h)

	res := c.call(domain.MethodConnect, connectParams("opaque", ""))
	require.Nil(t, res.Error)
	var first domain.ConnectResult
	require.NoError(t, rpc.DecodeInto(res.Result, &first))
	assert.Contains(t, first.Protocol, "signalwire_")
	require.NotNil(t, first.Authorization)
	assert.Equal(t, domain.AuthorizationVideo, first.Authorization.Kind)
	assert.NotEmpty(t, first.ICEServers)

	other := serve(t, h)
	res = other.call(domain.MethodConnect, connectParams("opaque", first.Protocol))
	var second domain.ConnectResult
	require.NoError(t, rpc.DecodeInto(res.Result, &second))
	assert.Equal(t, first.Protocol, second.Protocol)

	res = other.call(domain.MethodConnect, connectParams("opaque", "signalwire_unknown"))
	var third domain.ConnectResult
	require.NoError(t, rpc.DecodeInto(res.Result, &third))
	assert.NotEqual(t, "signalwire_unknown", third.Protocol)

	assert.Equal(t, []string{"", first.Protocol, "signalwire_unknown"}, h.RequestedProtocols())
	assert.Equal(t, 3, h.Connects())
}

func TestHandshakeChecksSignatureAndExpiry(t *testing.T) {
	h := NewHandler(Options{Secret: "s3cret"})
	c := serve(t, h)

	forged, err := IssueToken("wrong", Claims{})
	require.NoError(t, err)
	res := c.call(domain.MethodConnect, connectParams(forged, ""))
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeAuthFailed, res.Error.Code)

	valid, err := IssueToken("s3cret", Claims{Kind: domain.AuthorizationChat, Channels: []string{"general"}})
	require.NoError(t, err)
	res = c.call(domain.MethodConnect, connectParams(valid, ""))
	require.Nil(t, res.Error)
	var out domain.ConnectResult
	require.NoError(t, rpc.DecodeInto(res.Result, &out))
	assert.Equal(t, domain.AuthorizationChat, out.Authorization.Kind)
}

func TestUnknownMethod(t *testing.T) {
	c := serve(t, NewHandler(Options{}))
	c.call(domain.MethodConnect, connectParams("opaque", ""))

	res := c.call("nope.nothing", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeMethodNotFound, res.Error.Code)
}

func TestEventEmitRepliesThenPushes(t *testing.T) {
	c := serve(t, NewHandler(Options{}))
	c.call(domain.MethodConnect, connectParams("opaque", ""))

	res := c.call("event.emit", map[string]any{"event_type": "video.room.started", "params": map[string]any{"room_session_id": "r"}})
	require.Nil(t, res.Error)

	push := c.next()
	require.Equal(t, domain.MethodEvent, push.Method)
	var ev domain.ServerEvent
	require.NoError(t, rpc.DecodeInto(push.Params, &ev))
	assert.Equal(t, "video.room.started", ev.EventType)
	assert.NotZero(t, ev.Timestamp)
	assert.NotEmpty(t, push.ID)
}

func TestConnectRateLimitPerIdentity(t *testing.T) {
	h := NewHandler(Options{ConnectLimit: 1, ConnectWindow: time.Minute})
	c := serve(t, h)
	alice, err := IssueToken("any", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	require.NoError(t, err)
	bob, err := IssueToken("any", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"}})
	require.NoError(t, err)

	res := c.call(domain.MethodConnect, connectParams(alice, ""))
	require.Nil(t, res.Error)
	res = c.call(domain.MethodConnect, connectParams(alice, ""))
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.CodeInternalError, res.Error.Code)

	res = c.call(domain.MethodConnect, connectParams(bob, ""))
	require.Nil(t, res.Error)
	assert.Equal(t, 2, h.Connects())
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewConnectRateLimiter(2, 50*time.Millisecond)
	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))

	var disabled *ConnectRateLimiter
	assert.True(t, disabled.Allow("x"))
	assert.True(t, NewConnectRateLimiter(0, time.Second).Allow("x"))
}
