package dalli

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ssip001/dalli/internal/binprot"
)

// circuitBreaker wraps the down-timer policy a ServerPool enforces around
// a server's requests: after socketMaxFailures consecutive failures the
// breaker trips open for downRetryDelay, refusing requests outright (fast
// failure, and the ring skips the server) until a single probe request
// succeeds.
type circuitBreaker interface {
	Execute(func() (*binprot.Response, error)) (*binprot.Response, error)
	State() circuitBreakerState
}

type circuitBreakerState int

const (
	circuitClosed circuitBreakerState = iota
	circuitHalfOpen
	circuitOpen
)

func (s circuitBreakerState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitHalfOpen:
		return "half-open"
	case circuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// goBreaker adapts gobreaker.CircuitBreaker to circuitBreaker.
type goBreaker struct {
	cb *gobreaker.CircuitBreaker[*binprot.Response]
}

func (w *goBreaker) Execute(fn func() (*binprot.Response, error)) (*binprot.Response, error) {
	return w.cb.Execute(fn)
}

func (w *goBreaker) State() circuitBreakerState {
	switch w.cb.State() {
	case gobreaker.StateClosed:
		return circuitClosed
	case gobreaker.StateHalfOpen:
		return circuitHalfOpen
	case gobreaker.StateOpen:
		return circuitOpen
	default:
		return circuitClosed
	}
}

// newCircuitBreaker builds the down-timer for one server: after
// socketMaxFailures consecutive failures the breaker opens for
// downRetryDelay before allowing a single half-open probe through.
func newCircuitBreaker(serverAddr string, socketMaxFailures uint32, downRetryDelay time.Duration) circuitBreaker {
	if socketMaxFailures == 0 {
		socketMaxFailures = 3
	}
	if downRetryDelay <= 0 {
		downRetryDelay = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        serverAddr,
		MaxRequests: 1,
		Timeout:     downRetryDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= socketMaxFailures
		},
	}
	return &goBreaker{cb: gobreaker.NewCircuitBreaker[*binprot.Response](settings)}
}
