package memconn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/core"
)

func TestPipeCarriesFramesBothWays(t *testing.T) {
	a, b := Pipe()
	frame := core.Frame(`{"jsonrpc":"2.0"}`)
	require.NoError(t, a.WriteFrame(context.Background(), frame))
	frame[0] = 'x'

	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(got))

	require.NoError(t, b.WriteFrame(context.Background(), core.Frame("pong")))
	got, err = a.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestClosingOneEndClosesBoth(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, b.Close())

	assert.True(t, a.Closed())
	_, err := a.ReadFrame()
	assert.ErrorIs(t, err, core.ErrConnClosed)
	assert.ErrorIs(t, a.WriteFrame(context.Background(), core.Frame("x")), core.ErrConnClosed)
}

func TestDialerAcceptsRefusesAndDrops(t *testing.T) {
	accepted := make(chan core.Conn, 2)
	d := &Dialer{Accept: func(c core.Conn) { accepted <- c }}

	c, err := d.Dial(context.Background())
	require.NoError(t, err)
	server := <-accepted
	assert.Equal(t, 1, d.Dials())

	d.Drop()
	_, err = server.ReadFrame()
	assert.ErrorIs(t, err, core.ErrConnClosed)
	assert.True(t, c.(*Conn).Closed())

	d.Refuse(true)
	_, err = d.Dial(context.Background())
	assert.ErrorIs(t, err, ErrRefused)
	d.Refuse(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dial(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, d.Dials())
}
