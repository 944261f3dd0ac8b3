package health

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastSchedule keeps every probe loop in the millisecond range.
func fastSchedule() Schedule {
	return Schedule{
		Interval: 5 * time.Millisecond,
		RetryMin: 1 * time.Millisecond,
		RetryMax: 4 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}
}

// changes returns an OnChange option that forwards reports to a
// buffered channel, and the channel.
func changes() (Option, <-chan Report) {
	ch := make(chan Report, 16)
	return OnChange(func(r Report) {
		select {
		case ch <- r:
		default:
		}
	}), ch
}

func nextChange(t *testing.T, ch <-chan Report) Report {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a state change")
		return Report{}
	}
}

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	if s.Interval != 60*time.Second {
		t.Errorf("Interval = %v, want 60s", s.Interval)
	}
	if s.RetryMin != 2*time.Second {
		t.Errorf("RetryMin = %v, want 2s", s.RetryMin)
	}
	if s.RetryMax != 60*time.Second {
		t.Errorf("RetryMax = %v, want 60s", s.RetryMax)
	}
	if s.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", s.Timeout)
	}
}

func TestSchedule_WithDefaults(t *testing.T) {
	got := Schedule{RetryMin: 90 * time.Second}.withDefaults()
	if got.Interval != 60*time.Second {
		t.Errorf("Interval = %v, want default 60s", got.Interval)
	}
	if got.RetryMax != 90*time.Second {
		t.Errorf("RetryMax = %v, want it raised to RetryMin", got.RetryMax)
	}
}

func TestNextRetry(t *testing.T) {
	delay := 2 * time.Second
	var got []time.Duration
	for range 7 {
		got = append(got, delay)
		delay = nextRetry(delay, 60*time.Second)
	}
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i := range want {
		if got[i] != want[i]*time.Second {
			t.Errorf("retry %d = %v, want %v", i, got[i], want[i]*time.Second)
		}
	}
}

func TestMonitor_ImmediateSuccess(t *testing.T) {
	opt, ch := changes()
	m := NewMonitor(nil, WithSchedule(fastSchedule()), opt)
	defer m.Stop()

	if err := m.Watch(context.Background(), "llm", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	r := nextChange(t, ch)
	if !r.Up || !r.Checked || r.Service != "llm" {
		t.Errorf("first change = %+v, want llm up", r)
	}
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}

	// Steady success produces no further transitions.
	select {
	case r := <-ch:
		t.Errorf("unexpected change %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMonitor_DownThenRecovered(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	opt, ch := changes()
	m := NewMonitor(nil, WithSchedule(fastSchedule()), opt)
	defer m.Stop()
	if err := m.Watch(context.Background(), "clinicaltrials", probe); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	down := nextChange(t, ch)
	if down.Up || down.Failures != 1 || down.Error != "connection refused" {
		t.Errorf("first change = %+v, want down with 1 failure", down)
	}

	up := nextChange(t, ch)
	if !up.Up || up.Failures != 0 || up.Error != "" {
		t.Errorf("second change = %+v, want recovered", up)
	}
	if got := calls.Load(); got < 4 {
		t.Errorf("probe called %d times, want at least 4", got)
	}
}

func TestMonitor_PingReportsDownServices(t *testing.T) {
	opt, ch := changes()
	m := NewMonitor(nil, WithSchedule(fastSchedule()), opt)
	defer m.Stop()

	ctx := context.Background()
	if err := m.Watch(ctx, "llm", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(ctx, "clinicaltrials", func(context.Context) error { return errors.New("HTTP 503") }); err != nil {
		t.Fatal(err)
	}
	nextChange(t, ch)
	nextChange(t, ch)

	err := m.Ping(ctx)
	if err == nil {
		t.Fatal("Ping() = nil, want error for down service")
	}
	if !strings.Contains(err.Error(), "clinicaltrials: HTTP 503") {
		t.Errorf("Ping() = %q, want it to name the down service", err)
	}
	if strings.Contains(err.Error(), "llm") {
		t.Errorf("Ping() = %q, should not name healthy services", err)
	}

	reports := m.Reports()
	if len(reports) != 2 || reports[0].Service != "llm" || reports[1].Service != "clinicaltrials" {
		t.Errorf("Reports() = %+v, want watch order", reports)
	}
}

func TestMonitor_PingBeforeFirstProbe(t *testing.T) {
	release := make(chan struct{})
	m := NewMonitor(nil, WithSchedule(fastSchedule()))
	defer m.Stop()
	defer close(release)

	err := m.Watch(context.Background(), "llm", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Ping(context.Background()); err == nil || !strings.Contains(err.Error(), "not yet checked") {
		t.Errorf("Ping() = %v, want not yet checked", err)
	}
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	opt, ch := changes()
	sched := fastSchedule()
	sched.Timeout = 5 * time.Millisecond
	m := NewMonitor(nil, WithSchedule(sched), opt)
	defer m.Stop()

	err := m.Watch(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	r := nextChange(t, ch)
	if r.Up || !strings.Contains(r.Error, "deadline exceeded") {
		t.Errorf("change = %+v, want down with deadline error", r)
	}
}

func TestMonitor_WatchErrors(t *testing.T) {
	m := NewMonitor(nil, WithSchedule(fastSchedule()))
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	if err := m.Watch(ctx, "", ok); err == nil {
		t.Error("Watch with empty name should fail")
	}
	if err := m.Watch(ctx, "llm", nil); err == nil {
		t.Error("Watch with nil probe should fail")
	}
	if err := m.Watch(ctx, "llm", ok); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := m.Watch(ctx, "llm", ok); err == nil {
		t.Error("duplicate Watch should fail")
	}

	m.Stop()
	if err := m.Watch(ctx, "other", ok); err == nil {
		t.Error("Watch after Stop should fail")
	}
}

func TestMonitor_ContextCancelStopsProbing(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMonitor(nil, WithSchedule(fastSchedule()))

	if err := m.Watch(ctx, "llm", func(context.Context) error { calls.Add(1); return nil }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	m.Stop()

	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Error("probe still running after cancel and Stop")
	}
}

func TestMonitor_Empty(t *testing.T) {
	m := NewMonitor(nil)
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() on empty monitor = %v", err)
	}
	if len(m.Reports()) != 0 {
		t.Error("Reports() on empty monitor should be empty")
	}
	m.Stop()
}
