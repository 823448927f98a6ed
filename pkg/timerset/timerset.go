package timerset

import (
	"sync"
	"time"

	"github.com/mylxsw/asteria/log"
)

// Timer is an independently lifecycled one-shot or periodic timer. Arming
// an armed timer cancels the previous instance first, and Stop is always
// safe to call. Callbacks run on their own goroutine and must hand real
// work back to the owning loop.
type Timer struct {
	name string

	mu   sync.Mutex
	stop chan struct{}
}

func New(name string) *Timer {
	return &Timer{name: name}
}

func (t *Timer) Name() string { return t.name }

// arm cancels any previous instance and installs a fresh cancellation
// channel for the new one.
func (t *Timer) arm() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
	}
	t.stop = make(chan struct{})
	return t.stop
}

// disarm clears the handle if it still belongs to the given instance.
func (t *Timer) disarm(stop chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == stop {
		t.stop = nil
	}
}

// StartOnce arms the timer to fire fn once after d.
func (t *Timer) StartOnce(d time.Duration, fn func()) {
	stop := t.arm()
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			t.disarm(stop)
			fn()
		case <-stop:
		}
	}()
}

// StartPeriodic arms the timer to fire fn every d until stopped.
func (t *Timer) StartPeriodic(d time.Duration, fn func()) {
	if d <= 0 {
		log.Errorf("timer %s: invalid period %v", t.name, d)
		return
	}
	stop := t.arm()
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
}

// Stop cancels the armed instance, if any. Idempotent.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Armed reports whether an instance is currently pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
