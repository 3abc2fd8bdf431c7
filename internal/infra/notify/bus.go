// Package notify fans scan events out to live observers.
package notify

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// DefaultBuffer is the per-observer queue depth.
const DefaultBuffer = 16

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notification bus closed")

var _ domain.Publisher = (*Bus)(nil)

// Subscription is one registered observer. Events arrive on C until the
// observer unsubscribes, falls behind, or the bus closes; then C is closed.
type Subscription struct {
	id uint64
	ch chan domain.Event
}

func (s *Subscription) C() <-chan domain.Event { return s.ch }

// Bus is the NotificationBus. Delivery is best effort: an observer whose
// buffer is full is dropped instead of blocking Publish.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	log    *zap.SugaredLogger
}

func NewBus(buffer int, log *zap.SugaredLogger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer, log: log}
}

func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan domain.Event, b.buffer)}
	b.subs[s.id] = s
	return s, nil
}

// Unsubscribe is safe to call more than once and after Close.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s.id)
}

// Publish hands e to every current observer without waiting on any of them.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.log.Warnw("dropping slow observer", "subscriber", id, "event", e.Type)
			b.removeLocked(id)
		}
	}
}

// Len reports the number of registered observers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every observer and rejects new subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.removeLocked(id)
	}
}

func (b *Bus) removeLocked(id uint64) {
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}
