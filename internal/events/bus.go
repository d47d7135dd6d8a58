// README: Typed broadcast channels; subscribers are registered at construction time.
package events

import (
	"sync"

	"barq/internal/metrics"
)

// Bus fan-outs events of one family to its subscribers. Publish never blocks:
// when a subscriber's buffer is full the event is dropped for that subscriber
// and counted.
type Bus[T any] struct {
	family string

	mu     sync.RWMutex
	subs   []chan T
	closed bool
}

func NewBus[T any](family string) *Bus[T] {
	return &Bus[T]{family: family}
}

// Subscribe registers a new subscriber with the given buffer size. Intended
// to be called during wiring, before the engines start publishing.
func (b *Bus[T]) Subscribe(buffer int) <-chan T {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan T, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.DroppedEventsTotal.WithLabelValues(b.family).Inc()
		}
	}
}

func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
