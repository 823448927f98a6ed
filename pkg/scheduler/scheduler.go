package scheduler

import (
	"context"
	"sync"
)

// Signal identifies one of the fixed event classes the main loop waits on.
type Signal uint32

const (
	// SignalSchedule indicates deferred tasks are queued.
	SignalSchedule Signal = 1 << iota
	// SignalSendAudio indicates the outbound audio queue has packets.
	SignalSendAudio
	// SignalWakeWord indicates the wake word detector fired.
	SignalWakeWord
	// SignalVadChange indicates voice activity changed.
	SignalVadChange
	// SignalError indicates a network error was reported.
	SignalError
)

// Task is a deferred action executed on the consumer loop.
type Task func()

// Handlers receives the fixed-priority signals serviced by Run. Deferred
// tasks are executed directly and need no handler.
type Handlers struct {
	OnError     func()
	OnSendAudio func()
	OnWakeWord  func()
	OnVadChange func()
}

// Loop is a single-consumer event loop: producers enqueue tasks or raise
// signals from any goroutine, and one consumer drains them in a fixed
// priority order. All state owned by the consumer must only be touched
// from tasks or signal handlers.
type Loop struct {
	mu      sync.Mutex
	tasks   []Task
	pending Signal
	wake    chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Schedule appends a task to the queue and raises the schedule signal.
// Safe to call from any goroutine, including from a running task; tasks
// scheduled during a drain run on the next wake-up, never recursively.
func (l *Loop) Schedule(task Task) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.pending |= SignalSchedule
	l.mu.Unlock()
	l.notify()
}

// Raise marks a signal pending and wakes the consumer.
func (l *Loop) Raise(s Signal) {
	l.mu.Lock()
	l.pending |= s
	l.mu.Unlock()
	l.notify()
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// wait blocks until at least one signal is pending or ctx is done, then
// atomically claims and clears the pending set.
func (l *Loop) wait(ctx context.Context) (Signal, bool) {
	for {
		l.mu.Lock()
		if l.pending != 0 {
			bits := l.pending
			l.pending = 0
			l.mu.Unlock()
			return bits, true
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, false
		case <-l.wake:
		}
	}
}

// drain swaps the task queue for an empty one and returns the snapshot.
// The lock is held only for the swap, never across task execution.
func (l *Loop) drain() []Task {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	return tasks
}

func (l *Loop) service(bits Signal, h Handlers) {
	// Latency-sensitive signals are always serviced before the deferred
	// task backlog, regardless of arrival order.
	if bits&SignalError != 0 && h.OnError != nil {
		h.OnError()
	}
	if bits&SignalSendAudio != 0 && h.OnSendAudio != nil {
		h.OnSendAudio()
	}
	if bits&SignalWakeWord != 0 && h.OnWakeWord != nil {
		h.OnWakeWord()
	}
	if bits&SignalVadChange != 0 && h.OnVadChange != nil {
		h.OnVadChange()
	}
	if bits&SignalSchedule != 0 {
		for _, task := range l.drain() {
			task()
		}
	}
}

// Run consumes signals until ctx is cancelled. It must be called from
// exactly one goroutine.
func (l *Loop) Run(ctx context.Context, h Handlers) {
	for {
		bits, ok := l.wait(ctx)
		if !ok {
			return
		}
		l.service(bits, h)
	}
}

// Step services the currently pending signals once without blocking and
// reports whether anything was serviced.
func (l *Loop) Step(h Handlers) bool {
	l.mu.Lock()
	bits := l.pending
	l.pending = 0
	l.mu.Unlock()
	if bits == 0 {
		return false
	}
	l.service(bits, h)
	return true
}
