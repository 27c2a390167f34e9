package app

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/bus"
	"github.com/dkeye/Relay/internal/core"
)

type Deps struct {
	Registry   *Registry
	Emitter    *bus.Emitter
	Executor   core.Executor
	Supervisor *Supervisor
}

// Component is a handle onto one namespaced entity (room session, call,
// chat channel). It holds only its id; state lives in the Registry and
// listeners in the shared Emitter under the component's namespace.
type Component struct {
	id     string
	prefix string
	deps   Deps

	mu        sync.Mutex
	listeners []bus.Listener
	destroyed bool
}

func NewComponent(id, prefix string, deps Deps) *Component {
	deps.Registry.Upsert(id, nil)
	return &Component{id: id, prefix: prefix, deps: deps}
}

func (c *Component) ID() string     { return c.id }
func (c *Component) Prefix() string { return c.prefix }

// Key addresses event within this component's namespace.
func (c *Component) Key(event string) bus.Key {
	return bus.Key{Prefix: c.prefix, Namespace: c.id, Event: event}
}

func (c *Component) On(event string, fn bus.Handler) bus.Listener {
	return c.track(c.deps.Emitter.On(c.Key(event), fn))
}

func (c *Component) Once(event string, fn bus.Handler) bus.Listener {
	return c.track(c.deps.Emitter.Once(c.Key(event), fn))
}

func (c *Component) track(l bus.Listener) bus.Listener {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return l
}

func (c *Component) Off(l bus.Listener) bool {
	c.mu.Lock()
	if i := slices.Index(c.listeners, l); i >= 0 {
		c.listeners = slices.Delete(c.listeners, i, i+1)
	}
	c.mu.Unlock()
	return c.deps.Emitter.Off(l)
}

func (c *Component) Emit(event string, payload any) int {
	return c.deps.Emitter.Emit(c.Key(event), payload)
}

// RemoveAllListeners removes exactly the listeners registered through this
// instance.
func (c *Component) RemoveAllListeners() int {
	c.mu.Lock()
	ls := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	n := 0
	for _, l := range ls {
		if c.deps.Emitter.Off(l) {
			n++
		}
	}
	return n
}

// State returns a copy of the component's registry state.
func (c *Component) State() map[string]any {
	snap, ok := c.deps.Registry.Get(c.id)
	if !ok {
		return nil
	}
	return snap.State
}

func (c *Component) Get(field string) (any, bool) {
	v, ok := c.State()[field]
	return v, ok
}

// Execute runs an RPC on the shared session and logs the outcome against
// this component.
func (c *Component) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	res, err := c.deps.Executor.Execute(ctx, method, params)
	if err != nil {
		c.deps.Registry.RecordError(c.id, method, err)
		return nil, err
	}
	c.deps.Registry.RecordResponse(c.id, method, res)
	return res, nil
}

// RunWorker starts a worker owned by this component; Destroy cancels it.
func (c *Component) RunWorker(name string, fn WorkerFunc) {
	c.deps.Supervisor.Run(c.id, name, fn)
}

func (c *Component) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy removes listeners, cancels owned workers and drops the registry
// entry. Safe to call from one of its own workers.
func (c *Component) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	listeners := c.RemoveAllListeners()
	workers := c.deps.Supervisor.CancelOwner(c.id)
	c.deps.Registry.Cleanup(c.id)
	log.Info().
		Str("module", "app.component").
		Str("component", c.id).
		Int("listeners", listeners).
		Int("workers", workers).
		Msg("destroyed")
}
