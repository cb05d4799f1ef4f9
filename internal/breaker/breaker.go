// Package breaker implements per-service circuit breakers with fallback
// dispatch, degradation tracking and throttled administrator alerts.
package breaker

import (
	"sync"
	"time"

	"triagent/internal/logging"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a single breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// SuccessThreshold is the success count that closes a half-open breaker.
	SuccessThreshold int
	// MaxRequestsHalfOpen caps admissions while half-open.
	MaxRequestsHalfOpen int
}

// DefaultConfig mirrors the tuning used for slow external APIs.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		Timeout:             60 * time.Second,
		SuccessThreshold:    3,
		MaxRequestsHalfOpen: 5,
	}
}

// StateChange is one retained transition record.
type StateChange struct {
	Timestamp    time.Time `json:"timestamp"`
	From         State     `json:"old_state"`
	To           State     `json:"new_state"`
	Reason       string    `json:"reason"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
}

// maxStateChanges bounds the retained transition history.
const maxStateChanges = 50

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	Config          Config        `json:"config"`
	TotalRequests   int64         `json:"total_requests"`
	Successful      int64         `json:"successful_requests"`
	Failed          int64         `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	LastFailureTime *time.Time    `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time    `json:"last_success_time,omitempty"`
	CanExecute      bool          `json:"can_execute"`
	StateChanges    []StateChange `json:"state_changes,omitempty"`
}

// Breaker is a mutex-guarded circuit breaker for one external service.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time

	totalRequests   int64
	successful      int64
	failed          int64
	lastFailureSeen time.Time
	lastSuccessSeen time.Time
	stateChanges    []StateChange

	now func() time.Time
	log *logging.Logger
}

// New builds a closed breaker. Zero-valued config fields fall back to
// DefaultConfig.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.MaxRequestsHalfOpen <= 0 {
		cfg.MaxRequestsHalfOpen = def.MaxRequestsHalfOpen
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
		log:   logging.Get(logging.CategoryBreaker),
	}
}

// Allow reports whether a call may proceed and reserves a half-open slot
// when it does. An expired open breaker moves to half-open here.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.lastFailureTime.IsZero() && b.now().Sub(b.lastFailureTime) > b.cfg.Timeout {
			b.toHalfOpen()
			b.halfOpenRequests++
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenRequests < b.cfg.MaxRequestsHalfOpen {
			b.halfOpenRequests++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call and drives half-open recovery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.successful++
	b.lastSuccessSeen = b.now()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.toClosed()
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notes a failed call. A half-open breaker reopens
// immediately; a closed one opens at the failure threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.failed++
	b.lastFailureSeen = b.now()

	switch b.state {
	case StateHalfOpen:
		b.toOpen("failure while half-open")
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.toOpen("failure threshold exceeded")
		}
	}
}

// Reset forces the breaker closed and clears its counters. Used by admin
// operations after a dependency is known to be healthy again.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.recordChange(b.state, StateClosed, "manual reset")
	}
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenRequests = 0
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for health endpoints. Unlike Allow it never
// transitions the breaker.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		Config:        b.cfg,
		TotalRequests: b.totalRequests,
		Successful:    b.successful,
		Failed:        b.failed,
		CanExecute:    b.wouldAllow(),
	}
	if b.totalRequests > 0 {
		snap.SuccessRate = float64(b.successful) / float64(b.totalRequests)
	}
	if !b.lastFailureSeen.IsZero() {
		t := b.lastFailureSeen
		snap.LastFailureTime = &t
	}
	if !b.lastSuccessSeen.IsZero() {
		t := b.lastSuccessSeen
		snap.LastSuccessTime = &t
	}
	snap.StateChanges = make([]StateChange, len(b.stateChanges))
	copy(snap.StateChanges, b.stateChanges)
	return snap
}

// wouldAllow is the read-only variant of Allow. Caller holds the lock.
func (b *Breaker) wouldAllow() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !b.lastFailureTime.IsZero() && b.now().Sub(b.lastFailureTime) > b.cfg.Timeout
	case StateHalfOpen:
		return b.halfOpenRequests < b.cfg.MaxRequestsHalfOpen
	}
	return false
}

// Callers of the transition helpers hold the lock.

func (b *Breaker) toHalfOpen() {
	from := b.state
	b.state = StateHalfOpen
	b.halfOpenRequests = 0
	b.successCount = 0
	b.recordChange(from, StateHalfOpen, "timeout expired, testing recovery")
	b.log.Info("circuit breaker %q half-open, probing recovery", b.name)
}

func (b *Breaker) toClosed() {
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenRequests = 0
	b.recordChange(from, StateClosed, "service recovered")
	b.log.Info("circuit breaker %q closed, service recovered", b.name)
}

func (b *Breaker) toOpen(reason string) {
	from := b.state
	b.state = StateOpen
	b.lastFailureTime = b.now()
	b.halfOpenRequests = 0
	b.recordChange(from, StateOpen, reason)
	b.log.Warn("circuit breaker %q opened after %d failures", b.name, b.failureCount)
}

func (b *Breaker) recordChange(from, to State, reason string) {
	b.stateChanges = append(b.stateChanges, StateChange{
		Timestamp:    b.now(),
		From:         from,
		To:           to,
		Reason:       reason,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	})
	if len(b.stateChanges) > maxStateChanges {
		b.stateChanges = b.stateChanges[len(b.stateChanges)-maxStateChanges:]
	}
}
