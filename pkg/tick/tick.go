// Package tick implements C2: a single cooperative main-thread loop
// at a fixed cadence, driving short, ordered tasks. Long-running work
// does not belong here — dispatch it to a separate worker pool and
// only enqueue the short follow-up back onto the loop.
package tick

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthnet/fleet/pkg/log"
	"github.com/rs/zerolog"
)

// Rate is the tick cadence mandated by §4.2.
const Rate = 20 // ticks per second

// Task is one unit of work executed on the tick thread.
type Task func()

// Loop is the single cooperative ticker. Zero value is not usable;
// construct with New.
type Loop struct {
	running atomic.Bool

	mu      sync.Mutex
	queue   []Task
	atTick  map[uint64][]Task
	tick    uint64
	started chan struct{}
}

// New creates a Loop that hasn't started yet.
func New() *Loop {
	return &Loop{
		atTick:  make(map[uint64][]Task),
		started: make(chan struct{}),
	}
}

// Run blocks, driving the loop at Rate ticks/second until Stop is
// called. Call it from its own goroutine — conventionally the
// process's main goroutine, matching the teacher's single-main-loop
// style.
func (l *Loop) Run() {
	l.running.Store(true)
	close(l.started)

	interval := time.Second / time.Duration(Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("tick")
	logger.Info().Int("rate", Rate).Msg("tick loop started")

	for l.running.Load() {
		<-ticker.C
		if !l.running.Load() {
			break
		}
		l.runOneTick()
	}

	logger.Info().Msg("tick loop stopped")
}

func (l *Loop) runOneTick() {
	l.mu.Lock()
	current := l.tick
	l.tick++

	pending := l.queue
	l.queue = nil

	if scheduled, ok := l.atTick[current]; ok {
		pending = append(pending, scheduled...)
		delete(l.atTick, current)
	}
	l.mu.Unlock()

	logger := log.WithComponent("tick")
	for _, task := range pending {
		runGuarded(logger, task)
	}
}

func runGuarded(logger zerolog.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("tick task panicked")
		}
	}()
	task()
}

// RunTask enqueues task to run on the next tick, best-effort and in
// submission order relative to other RunTask/ScheduleAt calls made
// from outside the loop. A task calling RunTask from inside the loop
// is executed on the next tick, not the current one — no reentrancy.
func (l *Loop) RunTask(task Task) {
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()
}

// ScheduleAt enqueues task to run specifically at tick number n. If n
// has already passed, it runs on the next tick instead.
func (l *Loop) ScheduleAt(n uint64, task Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < l.tick {
		l.queue = append(l.queue, task)
		return
	}
	l.atTick[n] = append(l.atTick[n], task)
}

// CurrentTick returns the tick number about to run (or just
// finished, immediately after Stop).
func (l *Loop) CurrentTick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tick
}

// Running reports whether the loop is still ticking.
func (l *Loop) Running() bool { return l.running.Load() }

// Stop flips Running() false; Run returns after finishing whatever
// tick is currently in flight. Idempotent.
func (l *Loop) Stop() { l.running.Store(false) }

// WaitStarted blocks until Run has entered its loop, useful in tests
// that need to guarantee ticks are actually happening before
// asserting on them.
func (l *Loop) WaitStarted() { <-l.started }
