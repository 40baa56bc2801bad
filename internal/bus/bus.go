package bus

import (
	"sync"

	"github.com/phievse/phievse/internal/domain"
)

// Bus provides fan-out pub/sub semantics for controller snapshots.
// Each Subscribe call gets its own channel that receives every future
// publication. Past snapshots are not replayed. The implementation is safe for
// concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *domain.Snapshot
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a read-only channel that will receive all future
// snapshots.
func (b *Bus) Subscribe() <-chan *domain.Snapshot {
	ch := make(chan *domain.Snapshot, 1) // small buffer avoids blocking
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the snapshot to all subscribers in a best-effort, non-blocking
// way. The control loop publishes from its cycle, so it must never wait on a
// slow consumer.
func (b *Bus) Publish(s *domain.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- s:
		default:
			// Subscriber is busy; it picks up the next snapshot instead.
		}
	}
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub <-chan *domain.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subscribers {
		if ch == sub {
			// remove without preserving order
			b.subscribers[i] = b.subscribers[len(b.subscribers)-1]
			b.subscribers = b.subscribers[:len(b.subscribers)-1]
			close(ch)
			return
		}
	}
}
