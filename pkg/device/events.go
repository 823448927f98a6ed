package device

import "sync"

// StateChange is published to observers on every device state transition.
type StateChange struct {
	Previous State
	Current  State
}

// Notifier fans out state changes to subscribers. Sends are non-blocking:
// a subscriber that falls behind loses events rather than stalling the
// publishing loop.
type Notifier struct {
	mu   sync.Mutex
	subs []chan StateChange
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers an observer and returns its channel along with an
// unsubscribe function.
func (n *Notifier) Subscribe() (<-chan StateChange, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan StateChange, 16)
	n.subs = append(n.subs, ch)

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, sub := range n.subs {
			if sub == ch {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// Close drops and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}

// Publish delivers a state change to all subscribers.
func (n *Notifier) Publish(previous, current State) {
	n.mu.Lock()
	subs := make([]chan StateChange, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	evt := StateChange{Previous: previous, Current: current}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
