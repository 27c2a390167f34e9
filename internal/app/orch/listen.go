package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
)

type ListenOptions struct {
	Channels  []string
	OnMessage func(domain.ChatMessage)
}

type channelRef struct {
	Name string `json:"name"`
}

func channelRefs(names []string) map[string]any {
	refs := make([]channelRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, channelRef{Name: n})
	}
	return map[string]any{"channels": refs}
}

// Listen subscribes to chat channels and delivers their messages to
// OnMessage. After the returned unsubscribe func returns, OnMessage is not
// invoked again.
func (c *Client) Listen(ctx context.Context, opts ListenOptions) (func(), error) {
	if len(opts.Channels) == 0 || opts.OnMessage == nil {
		return nil, fmt.Errorf("listen: channels and OnMessage are required")
	}
	wanted := make(map[string]bool, len(opts.Channels))
	for _, ch := range opts.Channels {
		wanted[ch] = true
	}

	sub := c.bus.PubSub.Subscribe()
	if _, err := c.session.Execute(ctx, "chat.subscribe", channelRefs(opts.Channels)); err != nil {
		sub.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	var (
		mu     sync.Mutex
		active = true
	)
	owner := "listen:" + uuid.NewString()
	c.workers.Run(owner, "deliver", func(ctx context.Context) error {
		return recv(ctx, sub, func(msg domain.ChatMessage) {
			if !wanted[msg.Channel] {
				return
			}
			mu.Lock()
			ok := active
			mu.Unlock()
			if ok {
				opts.OnMessage(msg)
			}
		})
	})
	log.Info().Str("module", "orch").Strs("channels", opts.Channels).Msg("listening")

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			active = false
			mu.Unlock()
			sub.Close()
			c.workers.CancelOwner(owner)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := c.session.Execute(ctx, "chat.unsubscribe", channelRefs(opts.Channels)); err != nil {
					log.Debug().Err(err).Str("module", "orch").Msg("chat.unsubscribe")
				}
			}()
		})
	}, nil
}
