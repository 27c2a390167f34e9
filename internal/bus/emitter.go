package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// Key addresses listeners. Prefix is the product ("video", "chat"), Namespace
// the owning component id and Event the action without its prefix. The zero
// Prefix and Namespace form the root scope.
type Key struct {
	Prefix    string
	Namespace string
	Event     string
}

func Root(event string) Key { return Key{Event: event} }

// String is for logs only; lookups use the struct itself.
func (k Key) String() string {
	s := k.Event
	if k.Prefix != "" {
		s = k.Prefix + "." + s
	}
	if k.Namespace != "" {
		s = k.Namespace + ":" + s
	}
	return s
}

type Handler func(payload any)

// Listener is the handle returned by On/Once. Removal is by handle, so the
// same function registered twice yields two independent listeners.
type Listener struct {
	id  uint64
	key Key
}

func (l Listener) Key() Key    { return l.key }
func (l Listener) Valid() bool { return l.id != 0 }

type listenerEntry struct {
	id   uint64
	fn   Handler
	once bool
}

// compoundEvents lists events that also fire a derived event on the same
// prefix and namespace.
var compoundEvents = map[string][]string{
	"member.joined":  {"member.list.updated"},
	"member.left":    {"member.list.updated"},
	"member.updated": {"member.list.updated"},
}

type Emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Key][]*listenerEntry
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[Key][]*listenerEntry)}
}

func (e *Emitter) On(key Key, fn Handler) Listener {
	return e.add(key, fn, false)
}

// Once registers a listener removed before its first invocation.
func (e *Emitter) Once(key Key, fn Handler) Listener {
	return e.add(key, fn, true)
}

func (e *Emitter) add(key Key, fn Handler, once bool) Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[key] = append(e.listeners[key], &listenerEntry{id: e.nextID, fn: fn, once: once})
	return Listener{id: e.nextID, key: key}
}

// Off removes exactly one listener. It reports false when the handle was
// already removed or fired as a once-listener.
func (e *Emitter) Off(l Listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(l)
}

func (e *Emitter) removeLocked(l Listener) bool {
	list := e.listeners[l.key]
	for i, le := range list {
		if le.id == l.id {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(e.listeners, l.key)
			} else {
				e.listeners[l.key] = list
			}
			return true
		}
	}
	return false
}

// Emit invokes the listeners of key, then those of its compound events, on
// the calling goroutine. It returns the number of handlers invoked. The
// emitter lock is not held while handlers run.
func (e *Emitter) Emit(key Key, payload any) int {
	keys := []Key{key}
	for _, derived := range compoundEvents[key.Event] {
		keys = append(keys, Key{Prefix: key.Prefix, Namespace: key.Namespace, Event: derived})
	}

	type call struct {
		key Key
		fn  Handler
	}
	var calls []call
	e.mu.Lock()
	for _, k := range keys {
		for _, le := range e.listeners[k] {
			calls = append(calls, call{key: k, fn: le.fn})
			if le.once {
				e.removeLocked(Listener{id: le.id, key: k})
			}
		}
	}
	e.mu.Unlock()

	for _, c := range calls {
		invoke(c.key, c.fn, payload)
	}
	return len(calls)
}

func invoke(key Key, fn Handler, payload any) {
	var pc panics.Catcher
	pc.Try(func() { fn(payload) })
	if r := pc.Recovered(); r != nil {
		log.Error().
			Str("module", "bus.emitter").
			Str("key", key.String()).
			Str("panic", fmt.Sprint(r.Value)).
			Msg("listener panicked")
	}
}

func (e *Emitter) ListenerCount(key Key) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[key])
}

// Stream turns the listeners of key into a subscription. The returned stop
// func removes the listener and closes the subscription.
func (e *Emitter) Stream(key Key) (*Subscription[any], func()) {
	ch := NewChannel[any](key.String())
	sub := ch.Subscribe()
	l := e.On(key, func(payload any) { ch.Publish(payload) })
	var once sync.Once
	return sub, func() {
		once.Do(func() {
			e.Off(l)
			ch.Close()
		})
	}
}
