package app

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxRecords bounds the per-component RPC logs.
const maxRecords = 50

type RPCRecord struct {
	Method string
	Result json.RawMessage
	Err    error
	At     time.Time
}

type registryEntry struct {
	state     map[string]any
	responses []RPCRecord
	errors    []RPCRecord
	updatedAt time.Time
}

// Snapshot is a copy of one registry entry; mutating it does not touch the
// registry.
type Snapshot struct {
	ID        string
	State     map[string]any
	Responses []RPCRecord
	Errors    []RPCRecord
	UpdatedAt time.Time
}

// Registry is the single source of truth for component state. Components
// hold only their id and read through here.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

func (r *Registry) entryLocked(id string) *registryEntry {
	e, ok := r.entries[id]
	if !ok {
		e = &registryEntry{state: make(map[string]any)}
		r.entries[id] = e
		log.Debug().Str("module", "app.registry").Str("component", id).Msg("created component")
	}
	return e
}

// Upsert merges fields into the state of id, creating the entry if needed.
// The merge of one call is atomic.
func (r *Registry) Upsert(id string, fields map[string]any) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	maps.Copy(e.state, fields)
	e.updatedAt = time.Now()
	return snapshotOf(id, e)
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(id, e), true
}

func snapshotOf(id string, e *registryEntry) Snapshot {
	return Snapshot{
		ID:        id,
		State:     maps.Clone(e.state),
		Responses: slices.Clone(e.responses),
		Errors:    slices.Clone(e.errors),
		UpdatedAt: e.updatedAt,
	}
}

func (r *Registry) RecordResponse(id, method string, result json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	e.responses = appendBounded(e.responses, RPCRecord{Method: method, Result: result, At: time.Now()})
}

func (r *Registry) RecordError(id, method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	e.errors = appendBounded(e.errors, RPCRecord{Method: method, Err: err, At: time.Now()})
}

func appendBounded(list []RPCRecord, rec RPCRecord) []RPCRecord {
	list = append(list, rec)
	if len(list) > maxRecords {
		list = slices.Clone(list[len(list)-maxRecords:])
	}
	return list
}

// Cleanup removes entries and reports how many existed.
func (r *Registry) Cleanup(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			delete(r.entries, id)
			n++
			log.Debug().Str("module", "app.registry").Str("component", id).Msg("removed component")
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}
