// README: Circuit breaker guarding the persistence layer; open breaker means degraded read-only mode.
package infra

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrDegraded is returned when the persistence breaker is open. Engines treat
// it as "make no new assignments, alerts only".
var ErrDegraded = errors.New("persistence degraded: breaker open")

// Breaker wraps writes to the persistence layer. After enough consecutive
// failures the breaker opens, the engines stop making new assignments, and
// recovery is automatic once a half-open probe succeeds.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(name string, onStateChange func(from, to gobreaker.State)) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			onStateChange(from, to)
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do executes fn under the breaker. When the breaker is open the call is
// rejected immediately with ErrDegraded.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrDegraded
	}
	return err
}

// Degraded reports whether the persistence layer is currently unreachable.
func (b *Breaker) Degraded() bool {
	return b.cb.State() == gobreaker.StateOpen
}
