// Package health tracks whether the services a search depends on are
// reachable: the model provider and ClinicalTrials.gov.
//
// Each watched service is probed from its own goroutine. A reachable
// service is probed every Schedule.Interval. After a failed probe the
// next attempt comes sooner and backs off exponentially (2s, 4s, 8s,
// ... capped at Schedule.RetryMax) until the service answers again.
// A search never waits on the monitor; it only reports what the last
// probe saw.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Interval is the delay between probes of a healthy service.
	Interval time.Duration

	// RetryMin is the delay before re-probing after the first failure.
	RetryMin time.Duration

	// RetryMax caps the retry delay as it doubles.
	RetryMax time.Duration

	// Timeout bounds each probe.
	Timeout time.Duration
}

// DefaultSchedule polls healthy services every minute and retries
// failing ones at 2s, 4s, 8s, ... up to one minute.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval: 60 * time.Second,
		RetryMin: 2 * time.Second,
		RetryMax: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.RetryMin <= 0 {
		s.RetryMin = d.RetryMin
	}
	if s.RetryMax < s.RetryMin {
		s.RetryMax = max(d.RetryMax, s.RetryMin)
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// nextRetry doubles delay without exceeding ceiling.
func nextRetry(delay, ceiling time.Duration) time.Duration {
	return min(delay*2, ceiling)
}

// Report is the last known state of one service, suitable for JSON
// serialization in the health endpoint.
type Report struct {
	Service  string    `json:"service"`
	Up       bool      `json:"up"`
	Checked  bool      `json:"checked"`
	LastSeen time.Time `json:"last_check,omitzero"`
	Since    time.Time `json:"since,omitzero"`
	Failures int       `json:"consecutive_failures,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ChangeFunc is called from the probing goroutine whenever a service's
// up state changes, including its first probe. It must not block.
type ChangeFunc func(Report)

// Option configures a Monitor.
type Option func(*Monitor)

// WithSchedule overrides DefaultSchedule. Zero fields keep their
// defaults.
func WithSchedule(s Schedule) Option {
	return func(m *Monitor) { m.sched = s.withDefaults() }
}

// OnChange registers fn to observe up/down transitions.
func OnChange(fn ChangeFunc) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// Monitor probes a set of named services in the background.
type Monitor struct {
	logger   *slog.Logger
	sched    Schedule
	onChange ChangeFunc

	mu       sync.RWMutex
	services []*service
	cancels  []context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

type service struct {
	name  string
	probe Probe

	mu  sync.Mutex
	rep Report
}

// NewMonitor creates a monitor with no services.
func NewMonitor(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{logger: logger, sched: DefaultSchedule()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch starts probing a service until ctx is cancelled or Stop is
// called. The first probe runs immediately.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) error {
	if name == "" {
		return errors.New("health: service name is required")
	}
	if probe == nil {
		return fmt.Errorf("health: %s: probe is required", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("health: monitor is stopped")
	}
	for _, s := range m.services {
		if s.name == name {
			return fmt.Errorf("health: %s is already watched", name)
		}
	}

	svc := &service{name: name, probe: probe, rep: Report{Service: name}}
	watchCtx, cancel := context.WithCancel(ctx)
	m.services = append(m.services, svc)
	m.cancels = append(m.cancels, cancel)

	m.wg.Add(1)
	go m.run(watchCtx, svc)
	return nil
}

func (m *Monitor) run(ctx context.Context, svc *service) {
	defer m.wg.Done()

	retry := m.sched.RetryMin
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.sched.Timeout)
		err := svc.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		rep, first, changed := svc.record(err, time.Now())
		if changed {
			m.logChange(rep, first)
			if m.onChange != nil {
				m.onChange(rep)
			}
		} else if err != nil {
			m.logger.Debug("service still unreachable",
				"service", svc.name,
				"failures", rep.Failures,
				"next_retry", retry,
				"error", err,
			)
		}

		wait := m.sched.Interval
		if err != nil {
			wait = retry
			retry = nextRetry(retry, m.sched.RetryMax)
		} else {
			retry = m.sched.RetryMin
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) logChange(rep Report, first bool) {
	switch {
	case rep.Up && first:
		m.logger.Info("service reachable", "service", rep.Service)
	case rep.Up:
		m.logger.Info("service recovered", "service", rep.Service)
	default:
		m.logger.Warn("service unreachable", "service", rep.Service, "error", rep.Error)
	}
}

// record stores a probe result and reports whether it was the first
// and whether the up state changed. The first probe always counts as
// a change.
func (s *service) record(err error, now time.Time) (rep Report, first, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up := err == nil
	first = !s.rep.Checked
	changed = first || s.rep.Up != up

	s.rep.Checked = true
	s.rep.LastSeen = now
	s.rep.Up = up
	if changed {
		s.rep.Since = now
	}
	if up {
		s.rep.Failures = 0
		s.rep.Error = ""
	} else {
		s.rep.Failures++
		s.rep.Error = err.Error()
	}
	return s.rep, first, changed
}

func (s *service) report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rep
}

// Reports returns the state of every watched service in the order
// they were added.
func (m *Monitor) Reports() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Report, len(m.services))
	for i, s := range m.services {
		out[i] = s.report()
	}
	return out
}

// Ping reports an error naming every service that is down or has not
// been probed yet. It never probes itself, so it is cheap enough for
// every health request.
func (m *Monitor) Ping(context.Context) error {
	var errs []error
	for _, r := range m.Reports() {
		switch {
		case !r.Checked:
			errs = append(errs, fmt.Errorf("%s: not yet checked", r.Service))
		case !r.Up:
			errs = append(errs, fmt.Errorf("%s: %s", r.Service, r.Error))
		}
	}
	return errors.Join(errs...)
}

// Stop cancels every probe loop and waits for them to exit. The
// monitor cannot be reused.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}
