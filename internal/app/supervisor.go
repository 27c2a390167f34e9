package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type WorkerFunc func(ctx context.Context) error

type workerKey struct {
	owner string
	name  string
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs named workers bound to an owner. Starting a worker under a
// name that is already running cancels the old one, and the new one starts
// only after the old one has returned. Run never blocks, so a worker may
// replace itself.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	workers map[workerKey]*worker
}

func NewSupervisor(ctx context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[workerKey]*worker),
	}
}

func (s *Supervisor) Run(owner, name string, fn WorkerFunc) {
	logger := log.With().
		Str("module", "app.supervisor").
		Str("owner", owner).
		Str("worker", name).
		Logger()

	key := workerKey{owner: owner, name: name}
	ctx, cancel := context.WithCancel(s.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	old := s.workers[key]
	if old != nil {
		logger.Debug().Msg("replacing running worker")
		old.cancel()
	}
	s.workers[key] = w
	s.mu.Unlock()

	s.wg.Go(func() {
		defer func() {
			cancel()
			s.mu.Lock()
			if s.workers[key] == w {
				delete(s.workers, key)
			}
			s.mu.Unlock()
			close(w.done)
		}()

		if old != nil {
			<-old.done
		}
		if ctx.Err() != nil {
			logger.Debug().Msg("worker replaced before start")
			return
		}
		err := runCaught(ctx, fn)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			logger.Debug().Msg("worker finished")
		default:
			logger.Error().Err(err).Msg("worker failed")
		}
	})
}

func runCaught(ctx context.Context, fn WorkerFunc) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn(ctx) })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("worker panicked: %v", r.Value)
	}
	return err
}

// Cancel stops one worker and waits for it to return.
func (s *Supervisor) Cancel(owner, name string) bool {
	s.mu.Lock()
	w, ok := s.workers[workerKey{owner: owner, name: name}]
	s.mu.Unlock()
	if !ok {
		return false
	}
	w.cancel()
	<-w.done
	return true
}

// CancelOwner stops every worker of owner without waiting and reports how
// many were running. Safe to call from one of those workers.
func (s *Supervisor) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, w := range s.workers {
		if key.owner == owner {
			w.cancel()
			n++
		}
	}
	return n
}

func (s *Supervisor) Running(owner, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[workerKey{owner: owner, name: name}]
	return ok
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Shutdown cancels all workers and waits for them or ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restartable respawns fn after backoff whenever it returns or panics while
// its context is still live.
func Restartable(name string, backoff time.Duration, fn WorkerFunc) WorkerFunc {
	return func(ctx context.Context) error {
		for {
			err := runCaught(ctx, fn)
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("module", "app.supervisor").Str("worker", name).Dur("backoff", backoff).Msg("worker exited unexpectedly, restarting")
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}
