package bus

import "github.com/dkeye/Relay/internal/domain"

// Bus bundles the three channels of a client with its emitter.
type Bus struct {
	// Session carries lifecycle events of the transport session.
	Session *Channel[domain.SessionEvent]
	// Raw carries every normalized server event in receive order.
	Raw *Channel[domain.Action]
	// PubSub carries decoded chat messages.
	PubSub *Channel[domain.ChatMessage]

	Emitter *Emitter
}

func New() *Bus {
	return &Bus{
		Session: NewChannel[domain.SessionEvent]("session"),
		Raw:     NewChannel[domain.Action]("raw"),
		PubSub:  NewChannel[domain.ChatMessage]("pubsub"),
		Emitter: NewEmitter(),
	}
}

func (b *Bus) Close() {
	b.Session.Close()
	b.Raw.Close()
	b.PubSub.Close()
}
