package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Locks coordinates optimization runs and vehicle-level work. One Locks
// value is shared by the dispatch and emergency services.
type Locks struct {
	mu       sync.Mutex
	dates    map[string]*dateRun
	vehicles map[string]chan struct{}
}

type dateRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func NewLocks() *Locks {
	return &Locks{dates: map[string]*dateRun{}, vehicles: map[string]chan struct{}{}}
}

// BeginRun makes the caller the only run for date. An in-flight run for the
// same date is cancelled with ErrSuperseded and waited for. The returned
// context is cancelled if a newer run arrives in turn; release must be
// called when the run ends.
func (l *Locks) BeginRun(ctx context.Context, date string) (context.Context, func(), error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	run := &dateRun{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	prev := l.dates[date]
	l.dates[date] = run
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		if l.dates[date] == run {
			delete(l.dates, date)
		}
		l.mu.Unlock()
		close(run.done)
		cancel(nil)
	}
	if prev != nil {
		prev.cancel(ErrSuperseded)
		select {
		case <-prev.done:
		case <-runCtx.Done():
			release()
			return nil, nil, runErr(runCtx)
		}
	}
	if err := runCtx.Err(); err != nil {
		release()
		return nil, nil, runErr(runCtx)
	}
	return runCtx, release, nil
}

// runErr maps a finished run context to ErrSuperseded when a newer run
// cancelled it.
func runErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause == ErrSuperseded {
		return ErrSuperseded
	}
	return ctx.Err()
}

func (l *Locks) vehicle(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.vehicles[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.vehicles[id] = ch
	}
	return ch
}

// LockVehicles takes exclusive intent on every vehicle, in id order, waiting
// at most wait overall. On timeout nothing is held and ErrRetryLater is
// returned.
func (l *Locks) LockVehicles(ctx context.Context, ids []string, wait time.Duration) (func(), error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	uniq := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			uniq = append(uniq, id)
		}
	}
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	held := make([]chan struct{}, 0, len(uniq))
	unlock := func() {
		for _, ch := range held {
			<-ch
		}
	}
	for _, id := range uniq {
		ch := l.vehicle(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timeout:
			unlock()
			return nil, fmt.Errorf("vehicle %s is busy: %w", id, ErrRetryLater)
		case <-ctx.Done():
			unlock()
			return nil, runErr(ctx)
		}
	}
	var once sync.Once
	return func() { once.Do(unlock) }, nil
}
