// Package resilient is the single choke point for outbound remote calls.
//
// Every call is guarded by a per-endpoint circuit breaker, a per-endpoint
// rate limiter, and retry with exponential backoff and jitter. Callers always
// receive a definitive success or failure within a bounded time; nothing
// hangs indefinitely.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tidewater/fieldsync/internal/remote"
)

// ErrCircuitOpen is returned when the endpoint's breaker rejects the call
// without attempting the network.
var ErrCircuitOpen = errors.New("resilient: circuit open")

// ErrRateLimited is returned when the endpoint's rate limiter rejects the
// call. Independent of the breaker.
var ErrRateLimited = errors.New("resilient: rate limited")

// Policy configures retry, breaker, and limiter behavior for an executor.
type Policy struct {
	// Retry: delay for attempt n is min(BaseDelay * Multiplier^n, MaxDelay)
	// plus random jitter of up to 10%, so fleets of clients don't retry in
	// lockstep.
	MaxRetries uint64
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// Breaker: CLOSED -> OPEN after FailureThreshold consecutive failures;
	// OPEN rejects until BreakerTimeout elapses, then HALF_OPEN admits
	// exactly one trial call.
	FailureThreshold uint32
	BreakerTimeout   time.Duration

	// Limiter: at most MaxRequests per TimeWindow per endpoint.
	MaxRequests int
	TimeWindow  time.Duration

	// Batching: a collector flushes when BatchSize operations have gathered
	// or BatchTimeout has elapsed, whichever comes first.
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultPolicy returns the policy used when configuration does not override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       4,
		BaseDelay:        250 * time.Millisecond,
		Multiplier:       2.0,
		MaxDelay:         10 * time.Second,
		FailureThreshold: 3,
		BreakerTimeout:   30 * time.Second,
		MaxRequests:      20,
		TimeWindow:       time.Second,
		BatchSize:        25,
		BatchTimeout:     200 * time.Millisecond,
	}
}

// jitterFactor bounds retry jitter to 10% of the computed delay.
const jitterFactor = 0.1

// endpointState holds the shared breaker and limiter for one endpoint key.
// It is shared across all concurrent callers of that endpoint and updated
// atomically by the underlying implementations.
type endpointState struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics endpointMetrics
}

type endpointMetrics struct {
	mu           sync.Mutex
	attempts     uint64
	successes    uint64
	failures     uint64
	retries      uint64
	rejectedOpen uint64
	rejectedRate uint64
}

// Executor guards remote calls per endpoint key.
type Executor struct {
	policy Policy
	log    zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// NewExecutor creates an executor with the given policy.
func NewExecutor(policy Policy, log zerolog.Logger) *Executor {
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2.0
	}
	return &Executor{
		policy:    policy,
		log:       log.With().Str("component", "resilient").Logger(),
		endpoints: make(map[string]*endpointState),
	}
}

// Policy returns the executor's configured policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

func (e *Executor) endpoint(key string) *endpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.endpoints[key]; ok {
		return st
	}
	st := &endpointState{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1, // exactly one trial call in half-open
			Timeout:     e.policy.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= e.policy.FailureThreshold
			},
			// A remote rejection means the endpoint is up and answering;
			// only transport-level failures should trip the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || remote.IsTerminal(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.log.Warn().Str("endpoint", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
		limiter: rate.NewLimiter(
			rate.Limit(float64(e.policy.MaxRequests)/e.policy.TimeWindow.Seconds()),
			e.policy.MaxRequests),
	}
	e.endpoints[key] = st
	return st
}

// newBackoff returns a fresh retry schedule. BackOff implementations are
// stateful; always return a new instance per call.
func (e *Executor) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.BaseDelay
	bo.Multiplier = e.policy.Multiplier
	bo.MaxInterval = e.policy.MaxDelay
	bo.RandomizationFactor = jitterFactor
	bo.MaxElapsedTime = 0 // bounded by max retry count, not wall clock
	return backoff.WithContext(backoff.WithMaxRetries(bo, e.policy.MaxRetries), ctx)
}

// Execute runs op against the named endpoint under the breaker, limiter, and
// retry policy.
//
// Outcomes: nil on success; ErrRateLimited or ErrCircuitOpen when rejected
// before reaching the network; a remote.ErrRejected-wrapped error when the
// remote answered with a terminal rejection (never retried); the last
// transient error once the retry budget is exhausted.
func (e *Executor) Execute(ctx context.Context, endpointKey string, op func(ctx context.Context) error) error {
	st := e.endpoint(endpointKey)

	if !st.limiter.Allow() {
		st.metrics.bump(func(m *endpointMetrics) { m.rejectedRate++ })
		return fmt.Errorf("%w: endpoint %s", ErrRateLimited, endpointKey)
	}

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			st.metrics.bump(func(m *endpointMetrics) { m.retries++ })
		}
		attempt++
		st.metrics.bump(func(m *endpointMetrics) { m.attempts++ })

		_, err := st.breaker.Execute(func() (any, error) {
			return nil, op(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			// The breaker rejected without touching the network; retrying
			// inside this call would only burn the budget.
			st.metrics.bump(func(m *endpointMetrics) { m.rejectedOpen++ })
			return backoff.Permanent(fmt.Errorf("%w: endpoint %s", ErrCircuitOpen, endpointKey))
		case remote.IsTerminal(err):
			return backoff.Permanent(err)
		default:
			e.log.Debug().Str("endpoint", endpointKey).Int("attempt", attempt).
				Err(err).Msg("transient remote failure")
			return err
		}
	}, e.newBackoff(ctx))

	if err != nil {
		st.metrics.bump(func(m *endpointMetrics) { m.failures++ })
		return err
	}
	st.metrics.bump(func(m *endpointMetrics) { m.successes++ })
	return nil
}

func (m *endpointMetrics) bump(fn func(*endpointMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// EndpointSnapshot is a read-only view of one endpoint's guard state.
type EndpointSnapshot struct {
	Endpoint     string `json:"endpoint"`
	BreakerState string `json:"breaker_state"`
	Attempts     uint64 `json:"attempts"`
	Successes    uint64 `json:"successes"`
	Failures     uint64 `json:"failures"`
	Retries      uint64 `json:"retries"`
	RejectedOpen uint64 `json:"rejected_open"`
	RejectedRate uint64 `json:"rejected_rate"`
}

// Snapshot returns per-endpoint guard state for diagnostics. Read-only, no
// side effects.
func (e *Executor) Snapshot() []EndpointSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EndpointSnapshot, 0, len(e.endpoints))
	for key, st := range e.endpoints {
		st.metrics.mu.Lock()
		out = append(out, EndpointSnapshot{
			Endpoint:     key,
			BreakerState: st.breaker.State().String(),
			Attempts:     st.metrics.attempts,
			Successes:    st.metrics.successes,
			Failures:     st.metrics.failures,
			Retries:      st.metrics.retries,
			RejectedOpen: st.metrics.rejectedOpen,
			RejectedRate: st.metrics.rejectedRate,
		})
		st.metrics.mu.Unlock()
	}
	return out
}
