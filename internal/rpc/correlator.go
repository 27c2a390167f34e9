package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Relay/internal/domain"
)

const DefaultTimeout = 10 * time.Second

type outcome struct {
	result json.RawMessage
	err    error
}

// Pending is one outstanding request. It completes exactly once.
type Pending struct {
	id     string
	method string
	owner  *Correlator
	sent   bool // guarded by owner.mu
	done   chan outcome
}

func (p *Pending) ID() string { return p.id }

// Wait blocks until the response, a rejection, the timeout or ctx.
// timeout <= 0 disables the timer. On timeout or cancellation the entry is
// removed from the table.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case o := <-p.done:
		return o.result, o.err
	case <-expired:
		p.owner.Reject(p.id, &TimeoutError{ID: p.id, Method: p.method, After: timeout})
	case <-ctx.Done():
		p.owner.Reject(p.id, ctx.Err())
	}
	// Either our rejection or a racing response completed it.
	o := <-p.done
	return o.result, o.err
}

// Correlator is the pending-request table keyed by request id.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[string]*Pending)}
}

// Register creates the pending entry for id.
func (c *Correlator) Register(id, method string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return nil, ErrDuplicateID
	}
	p := &Pending{id: id, method: method, owner: c, done: make(chan outcome, 1)}
	c.entries[id] = p
	return p, nil
}

// MarkSent flags the entry as written to a live connection, making it subject
// to RejectInFlight.
func (c *Correlator) MarkSent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[id]; ok {
		p.sent = true
	}
}

func (c *Correlator) take(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	if !ok {
		return nil
	}
	delete(c.entries, id)
	return p
}

// Resolve completes the entry matching msg.ID. It returns false for unknown
// ids, which callers log and drop.
func (c *Correlator) Resolve(msg *domain.Message) bool {
	p := c.take(msg.ID)
	if p == nil {
		return false
	}
	if msg.Error != nil {
		p.done <- outcome{err: msg.Error}
	} else {
		p.done <- outcome{result: msg.Result}
	}
	return true
}

// Reject fails one entry.
func (c *Correlator) Reject(id string, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome{err: err}
	return true
}

// RejectInFlight fails every entry already written to a connection. Entries
// still waiting in a send queue are kept.
func (c *Correlator) RejectInFlight(err error) int {
	return c.rejectWhere(err, func(p *Pending) bool { return p.sent })
}

// RejectAll fails every entry.
func (c *Correlator) RejectAll(err error) int {
	return c.rejectWhere(err, func(*Pending) bool { return true })
}

func (c *Correlator) rejectWhere(err error, match func(*Pending) bool) int {
	c.mu.Lock()
	var victims []*Pending
	for id, p := range c.entries {
		if match(p) {
			victims = append(victims, p)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.done <- outcome{err: err}
	}
	return len(victims)
}

// Len is the size probe used by tests and diagnostics.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
