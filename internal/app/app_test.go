package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/bus"
)

type fakeExecutor struct {
	result json.RawMessage
	err    error
}

func (f fakeExecutor) Execute(context.Context, string, any) (json.RawMessage, error) {
	return f.result, f.err
}

func newDeps(t *testing.T, exec fakeExecutor) Deps {
	sup := NewSupervisor(context.Background())
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })
	return Deps{
		Registry:   NewRegistry(),
		Emitter:    bus.NewEmitter(),
		Executor:   exec,
		Supervisor: sup,
	}
}

func TestRegistryUpsertMerges(t *testing.T) {
	r := NewRegistry()
	r.Upsert("room-1", map[string]any{"name": "lobby", "locked": false})
	snap := r.Upsert("room-1", map[string]any{"locked": true})

	assert.Equal(t, map[string]any{"name": "lobby", "locked": true}, snap.State)

	snap.State["name"] = "mutated"
	got, ok := r.Get("room-1")
	require.True(t, ok)
	assert.Equal(t, "lobby", got.State["name"])

	assert.Equal(t, 1, r.Cleanup("room-1", "missing"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRecordsAreBounded(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxRecords+10; i++ {
		r.RecordResponse("c", "m", json.RawMessage(`{}`))
	}
	r.RecordError("c", "m", errors.New("boom"))

	snap, ok := r.Get("c")
	require.True(t, ok)
	assert.Len(t, snap.Responses, maxRecords)
	assert.Len(t, snap.Errors, 1)
	assert.Equal(t, []string{"c"}, r.IDs())
}

func TestComponentNamespaceIsolation(t *testing.T) {
	deps := newDeps(t, fakeExecutor{})
	a := NewComponent("room-a", "video", deps)
	b := NewComponent("room-b", "video", deps)

	var aCalls, bCalls atomic.Int32
	fn := func(any) {}
	a.On("member.joined", func(any) { aCalls.Add(1) })
	b.On("member.joined", func(any) { bCalls.Add(1) })
	a.On("room.updated", fn)
	b.On("room.updated", fn)

	a.Emit("member.joined", nil)
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(0), bCalls.Load())

	assert.Equal(t, 2, a.RemoveAllListeners())
	assert.Equal(t, 0, deps.Emitter.ListenerCount(a.Key("room.updated")))
	assert.Equal(t, 1, deps.Emitter.ListenerCount(b.Key("room.updated")))

	b.Emit("member.joined", nil)
	assert.Equal(t, int32(1), bCalls.Load())
}

func TestComponentSameHandlerTwice(t *testing.T) {
	deps := newDeps(t, fakeExecutor{})
	c := NewComponent("call-1", "calling", deps)
	calls := 0
	fn := func(any) { calls++ }
	first := c.On("call.state", fn)
	c.On("call.state", fn)

	require.True(t, c.Off(first))
	c.Emit("call.state", nil)

	assert.Equal(t, 1, calls)
}

func TestComponentReadsThroughRegistry(t *testing.T) {
	deps := newDeps(t, fakeExecutor{})
	c := NewComponent("call-1", "calling", deps)

	deps.Registry.Upsert("call-1", map[string]any{"call_state": "ringing"})
	v, ok := c.Get("call_state")
	require.True(t, ok)
	assert.Equal(t, "ringing", v)
}

func TestComponentExecuteLogs(t *testing.T) {
	deps := newDeps(t, fakeExecutor{result: json.RawMessage(`{"ok":true}`)})
	c := NewComponent("c", "chat", deps)
	_, err := c.Execute(context.Background(), "chat.publish", nil)
	require.NoError(t, err)

	failing := newDeps(t, fakeExecutor{err: errors.New("nope")})
	d := NewComponent("d", "chat", failing)
	_, err = d.Execute(context.Background(), "chat.publish", nil)
	require.Error(t, err)

	snap, _ := deps.Registry.Get("c")
	assert.Len(t, snap.Responses, 1)
	snap, _ = failing.Registry.Get("d")
	assert.Len(t, snap.Errors, 1)
}

func TestComponentDestroyCancelsWorkers(t *testing.T) {
	deps := newDeps(t, fakeExecutor{})
	c := NewComponent("call-1", "calling", deps)
	c.On("call.state", func(any) {})

	stopped := make(chan struct{})
	c.RunWorker("state", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	c.Destroy()
	c.Destroy()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker not cancelled")
	}
	assert.True(t, c.Destroyed())
	assert.Equal(t, 0, deps.Emitter.ListenerCount(c.Key("call.state")))
	_, ok := deps.Registry.Get("call-1")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return deps.Supervisor.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorReplacesDuplicateName(t *testing.T) {
	sup := NewSupervisor(context.Background())
	defer func() { _ = sup.Shutdown(context.Background()) }()

	firstStopped := make(chan struct{})
	sup.Run("owner", "w", func(ctx context.Context) error {
		<-ctx.Done()
		close(firstStopped)
		return nil
	})
	sup.Run("owner", "w", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	select {
	case <-firstStopped:
	case <-time.After(time.Second):
		t.Fatal("previous worker not cancelled")
	}
	assert.True(t, sup.Running("owner", "w"))
	assert.True(t, sup.Cancel("owner", "w"))
	assert.False(t, sup.Running("owner", "w"))
}

func TestSupervisorReplacementWaitsForOldWorker(t *testing.T) {
	sup := NewSupervisor(context.Background())
	defer func() { _ = sup.Shutdown(context.Background()) }()

	var firstRunning atomic.Bool
	firstRunning.Store(true)
	release := make(chan struct{})
	sup.Run("owner", "w", func(ctx context.Context) error {
		<-ctx.Done()
		<-release
		firstRunning.Store(false)
		return nil
	})

	overlapped := make(chan bool, 1)
	sup.Run("owner", "w", func(ctx context.Context) error {
		overlapped <- firstRunning.Load()
		<-ctx.Done()
		return nil
	})

	select {
	case <-overlapped:
		t.Fatal("replacement started while the old worker was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case v := <-overlapped:
		assert.False(t, v)
	case <-time.After(time.Second):
		t.Fatal("replacement never started")
	}
	assert.True(t, sup.Running("owner", "w"))
}

func TestSupervisorWorkerReplacesItself(t *testing.T) {
	sup := NewSupervisor(context.Background())
	defer func() { _ = sup.Shutdown(context.Background()) }()

	started := make(chan struct{})
	sup.Run("owner", "w", func(ctx context.Context) error {
		sup.Run("owner", "w", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		})
		<-ctx.Done()
		return nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("self-replacement deadlocked")
	}
	assert.Equal(t, 1, sup.Len())
}

func TestSupervisorSurvivesPanics(t *testing.T) {
	sup := NewSupervisor(context.Background())
	sup.Run("owner", "boom", func(context.Context) error { panic("worker failure") })
	require.Eventually(t, func() bool { return sup.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Shutdown(context.Background()))
}

func TestRestartableRespawns(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.Run("", "flaky", Restartable("flaky", time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run fails")
		}
		if runs.Load() == 2 {
			return errors.New("second run fails")
		}
		<-ctx.Done()
		return nil
	}))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, sup.Running("", "flaky"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	assert.Equal(t, int32(3), runs.Load())
}
