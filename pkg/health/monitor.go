// Package health runs periodic checks against the backends the server
// depends on and folds them into one status for /healthz.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/circuitbreaker"
	"github.com/migadu/smtpd/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	}
	return 0
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole service unhealthy

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

// Report is a point-in-time view of one check.
type Report struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once right away and then on its interval.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	defer hm.wg.Done()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	hm.performCheck(hm.ctx, check)
	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(hm.ctx, check)
		}
	}
}

// CheckNow runs every check once, synchronously.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	for _, c := range checks {
		hm.performCheck(ctx, c)
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	err := hm.runCheck(ctx, check)

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previous := check.Status
	if err != nil {
		check.FailCount++
		check.LastError = err
		// One failure degrades, repeated failures make it unhealthy.
		if float64(check.FailCount)/float64(check.CheckCount) >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}
	} else {
		check.LastError = nil
		check.Status = StatusHealthy
	}
	current := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(current.gauge())

	if previous != current {
		if err != nil {
			logger.Warn("Health: component status changed", "component", check.Name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("Health: component status changed", "component", check.Name, "from", previous, "to", current)
		}
	}
	hm.updateOverallStatus()
}

func (hm *HealthMonitor) runCheck(ctx context.Context, check *HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(ctx)
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status, critical := check.Status, check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalUnhealthy = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Reports lists every check sorted by name.
func (hm *HealthMonitor) Reports() []Report {
	hm.mu.RLock()
	out := make([]Report, 0, len(hm.checks))
	for _, check := range hm.checks {
		check.mu.RLock()
		r := Report{
			Name:      check.Name,
			Status:    check.Status,
			Critical:  check.Critical,
			LastCheck: check.LastCheck,
		}
		if check.LastError != nil {
			r.LastError = check.LastError.Error()
		}
		check.mu.RUnlock()
		out = append(out, r)
	}
	hm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PingCheck wraps a backend's Ping method.
func PingCheck(name string, critical bool, ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: critical,
		Check:    ping,
	}
}

var errBreakerOpen = errors.New("circuit breaker open")

// CircuitBreakerCheck reports a relay as failing while its breaker is
// open. It never makes the service unhealthy on its own.
func CircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 10 * time.Second,
		Timeout:  time.Second,
		Check: func(ctx context.Context) error {
			if breaker.State() == circuitbreaker.StateOpen {
				return errBreakerOpen
			}
			return nil
		},
	}
}
