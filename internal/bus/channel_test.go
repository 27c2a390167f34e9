package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelDeliversInOrder(t *testing.T) {
	ch := NewChannel[int]("test")
	sub := ch.Subscribe()
	defer sub.Close()

	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, ch.Publish(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		v, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestChannelWithoutSubscribersDiscards(t *testing.T) {
	ch := NewChannel[string]("test")
	assert.Equal(t, 0, ch.Publish("lost"))

	sub := ch.Subscribe()
	defer sub.Close()
	assert.Equal(t, 0, sub.Pending())
}

func TestChannelFanOut(t *testing.T) {
	ch := NewChannel[string]("test")
	a := ch.Subscribe()
	b := ch.Subscribe()
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 2, ch.Publish("x"))

	ctx := context.Background()
	va, err := a.Recv(ctx)
	require.NoError(t, err)
	vb, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", va)
	assert.Equal(t, "x", vb)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	ch := NewChannel[int]("test")
	sub := ch.Subscribe()
	ch.Publish(1)
	sub.Close()
	ch.Publish(2)

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	assert.Equal(t, 0, ch.Len())

	sub.Close()
}

func TestRecvWakesOnPublish(t *testing.T) {
	ch := NewChannel[int]("test")
	sub := ch.Subscribe()
	defer sub.Close()

	got := make(chan int, 1)
	go func() {
		v, err := sub.Recv(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Publish(42)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestRecvHonoursContext(t *testing.T) {
	ch := NewChannel[int]("test")
	sub := ch.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelClose(t *testing.T) {
	ch := NewChannel[int]("test")
	sub := ch.Subscribe()
	ch.Close()

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	late := ch.Subscribe()
	_, err = late.Recv(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}
