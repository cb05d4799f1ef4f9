package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"triagent/internal/logging"
)

// Service ids for the external dependencies the pipeline calls out to.
const (
	ServiceLLM           = "llm"
	ServiceSourceHosting = "source_hosting"
	ServiceChat          = "chat"
	ServiceGitOps        = "git_operations"
)

// ErrCircuitOpen reports that a call was short-circuited because the
// service's breaker is open and no fallback produced a result.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Level describes how degraded a service currently is.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
	LevelOffline  Level = "offline"
)

// ServiceStatus is the manager's view of one external service.
type ServiceStatus struct {
	Name           string    `json:"name"`
	Level          Level     `json:"status"`
	LastCheck      time.Time `json:"last_check"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	FallbackActive bool      `json:"fallback_active"`
}

// ServiceHealth pairs a service status with its breaker snapshot.
type ServiceHealth struct {
	Status  ServiceStatus `json:"status"`
	Breaker Snapshot      `json:"circuit_breaker"`
}

// SystemHealth aggregates every service for the health endpoints.
type SystemHealth struct {
	Overall          Level                    `json:"overall_status"`
	DegradedServices []string                 `json:"degraded_services"`
	Services         map[string]ServiceHealth `json:"services"`
	Timestamp        time.Time                `json:"timestamp"`
}

// AlertStore persists administrator alerts for later dashboard display.
// *store.Store satisfies it.
type AlertStore interface {
	SetSystemConfig(ctx context.Context, key, value, description string) error
}

// alertThrottle is the minimum spacing between admin alerts for the same
// (service, error) pair.
const alertThrottle = time.Hour

// Manager owns one breaker per external service and runs calls through
// them with fallback dispatch and administrator alerting.
type Manager struct {
	mu         sync.Mutex
	breakers   map[string]*Breaker
	statuses   map[string]*ServiceStatus
	alertsSent map[string]time.Time

	store AlertStore
	now   func() time.Time
	log   *logging.Logger
}

// NewManager builds a manager with breakers for the four known services.
// store may be nil; alerts are then log-only.
func NewManager(store AlertStore) *Manager {
	m := &Manager{
		breakers:   make(map[string]*Breaker),
		statuses:   make(map[string]*ServiceStatus),
		alertsSent: make(map[string]time.Time),
		store:      store,
		now:        time.Now,
		log:        logging.Get(logging.CategoryBreaker),
	}

	configs := map[string]Config{
		ServiceLLM:           {FailureThreshold: 5, Timeout: 60 * time.Second},
		ServiceSourceHosting: {FailureThreshold: 3, Timeout: 30 * time.Second},
		ServiceChat:          {FailureThreshold: 5, Timeout: 60 * time.Second},
		ServiceGitOps:        {FailureThreshold: 3, Timeout: 30 * time.Second},
	}
	for name, cfg := range configs {
		m.breakers[name] = New(name, cfg)
		m.statuses[name] = &ServiceStatus{Name: name, Level: LevelNormal, LastCheck: m.now()}
	}
	return m
}

// Breaker returns the breaker for a service, creating a default-tuned one
// for unknown names.
func (m *Manager) Breaker(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[service]
	if !ok {
		m.log.Warn("no breaker configured for %q, creating default", service)
		b = New(service, DefaultConfig())
		m.breakers[service] = b
		m.statuses[service] = &ServiceStatus{Name: service, Level: LevelNormal, LastCheck: m.now()}
	}
	return b
}

// Execute runs primary under the service's breaker. On primary failure or an
// open breaker the fallback (when non-nil) supplies the result and
// fallbackUsed is true. When both paths fail an administrator alert is
// emitted and the primary error (or ErrCircuitOpen) is returned.
func Execute[T any](ctx context.Context, m *Manager, service string, primary, fallback func(context.Context) (T, error)) (result T, fallbackUsed bool, err error) {
	var zero T
	b := m.Breaker(service)

	if b.Allow() {
		result, err = primary(ctx)
		if err == nil {
			b.RecordSuccess()
			m.setStatus(service, LevelNormal, "")
			return result, false, nil
		}
		b.RecordFailure()
		m.log.Error("primary call failed for %s: %v", service, err)
		m.setStatus(service, LevelDegraded, err.Error())

		if fallback != nil {
			fr, ferr := fallback(ctx)
			if ferr == nil {
				m.markFallbackActive(service)
				return fr, true, nil
			}
			m.log.Error("fallback failed for %s: %v", service, ferr)
		}
		m.alertAdministrators(ctx, service, err.Error())
		return zero, false, err
	}

	m.setStatus(service, LevelCritical, "circuit breaker is open")
	if fallback != nil {
		m.log.Info("circuit open for %s, using fallback", service)
		fr, ferr := fallback(ctx)
		if ferr == nil {
			m.markFallbackActive(service)
			return fr, true, nil
		}
		m.log.Error("fallback failed for %s: %v", service, ferr)
	}
	m.alertAdministrators(ctx, service, "circuit breaker is open")
	return zero, false, fmt.Errorf("service %s unavailable: %w", service, ErrCircuitOpen)
}

// Do is Execute for calls that only return an error.
func Do(ctx context.Context, m *Manager, service string, primary, fallback func(context.Context) error) (fallbackUsed bool, err error) {
	wrap := func(fn func(context.Context) error) func(context.Context) (struct{}, error) {
		if fn == nil {
			return nil
		}
		return func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		}
	}
	_, fallbackUsed, err = Execute(ctx, m, service, wrap(primary), wrap(fallback))
	return fallbackUsed, err
}

// ServiceStatusFor returns a copy of the tracked status for one service.
func (m *Manager) ServiceStatusFor(service string) (ServiceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[service]
	if !ok {
		return ServiceStatus{}, false
	}
	return *st, true
}

// Health reports system-wide degradation: the worst level across services,
// the list of services not at normal, and per-service detail.
func (m *Manager) Health() SystemHealth {
	m.mu.Lock()
	statuses := make(map[string]ServiceStatus, len(m.statuses))
	breakers := make(map[string]*Breaker, len(m.breakers))
	for name, st := range m.statuses {
		statuses[name] = *st
	}
	for name, b := range m.breakers {
		breakers[name] = b
	}
	now := m.now()
	m.mu.Unlock()

	health := SystemHealth{
		Overall:   LevelNormal,
		Services:  make(map[string]ServiceHealth, len(statuses)),
		Timestamp: now,
	}
	for name, st := range statuses {
		health.Services[name] = ServiceHealth{Status: st, Breaker: breakers[name].Status()}
		switch st.Level {
		case LevelCritical, LevelOffline:
			health.Overall = LevelCritical
			health.DegradedServices = append(health.DegradedServices, name)
		case LevelDegraded:
			if health.Overall == LevelNormal {
				health.Overall = LevelDegraded
			}
			health.DegradedServices = append(health.DegradedServices, name)
		}
	}
	return health
}

func (m *Manager) setStatus(service string, level Level, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[service]
	if !ok {
		st = &ServiceStatus{Name: service}
		m.statuses[service] = st
	}
	st.Level = level
	st.LastCheck = m.now()
	st.ErrorMessage = errMsg
	if level == LevelNormal {
		st.FallbackActive = false
	}
}

func (m *Manager) markFallbackActive(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[service]; ok {
		st.FallbackActive = true
	}
}

// alertAdministrators emits a critical alert for a failing service, at most
// once per hour per (service, error) pair, and persists it for the
// dashboard when a store is attached.
func (m *Manager) alertAdministrators(ctx context.Context, service, errMsg string) {
	key := service + ":" + errMsg

	m.mu.Lock()
	now := m.now()
	if sent, ok := m.alertsSent[key]; ok && now.Sub(sent) < alertThrottle {
		m.mu.Unlock()
		return
	}
	m.alertsSent[key] = now
	m.mu.Unlock()

	m.log.Structured("critical", "administrator alert: service failure",
		zap.String("service", service),
		zap.String("error", errMsg),
		zap.String("alert_type", "service_failure"),
	)

	if m.store == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"service":   service,
		"error":     errMsg,
		"timestamp": now.UTC().Format(time.RFC3339),
		"type":      "service_failure",
	})
	if err != nil {
		m.log.Error("marshal admin alert for %s: %v", service, err)
		return
	}
	configKey := fmt.Sprintf("admin_alert_%s_%d", service, now.Unix())
	desc := fmt.Sprintf("Administrator alert for %s failure", service)
	if err := m.store.SetSystemConfig(ctx, configKey, string(payload), desc); err != nil {
		m.log.Error("persist admin alert for %s: %v", service, err)
	}
}
