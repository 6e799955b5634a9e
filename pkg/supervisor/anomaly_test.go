package supervisor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(d *Detector, entity string, n int) {
	for i := 0; i < n; i++ {
		// Alternates 90/110: mean 100, stddev 10.
		v := 90.0
		if i%2 == 1 {
			v = 110
		}
		d.Observe(entity, "latency_ms", v)
	}
}

func TestDetector_WarmUp(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())
	for i := 0; i < 9; i++ {
		a := d.Observe("o", "m", float64(i*1000))
		assert.Zero(t, a.Score)
		assert.Equal(t, SeverityNone, a.Severity)
	}
}

func TestDetector_ScoresOutliers(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())
	seed(d, "o", 20)

	normal := d.Observe("o", "latency_ms", 105)
	assert.Less(t, normal.Score, 0.5)

	spike := d.Observe("o", "latency_ms", 500)
	assert.InDelta(t, 1.0, spike.Statistical, 1e-9)
	assert.Equal(t, SeverityCritical, spike.Severity)
	assert.True(t, spike.Severity.Escalates())
}

func TestDetector_StatisticalMapping(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())
	seed(d, "o", 20)
	// z = 2 -> 0.5 with MaxZ 4.
	a := d.Observe("o", "latency_ms", 120)
	assert.InDelta(t, 0.5, a.Statistical, 1e-9)
	assert.GreaterOrEqual(t, a.Score, 0.5)
}

func TestDetector_FlatHistoryToleratesJitter(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())
	for i := 0; i < 20; i++ {
		d.Observe("o", "latency_ms", 100)
	}

	same := d.Observe("o", "latency_ms", 100)
	assert.Zero(t, same.Score)

	jitter := d.Observe("o", "latency_ms", 100.5)
	assert.Less(t, jitter.Score, 0.3)
	assert.Equal(t, SeverityLow, jitter.Severity)

	spike := d.Observe("o", "latency_ms", 200)
	assert.Equal(t, SeverityCritical, spike.Severity)
}

func TestAnomalyConfig_Bucket(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	assert.Equal(t, SeverityNone, cfg.Bucket(0))
	assert.Equal(t, SeverityLow, cfg.Bucket(0.3))
	assert.Equal(t, SeverityMedium, cfg.Bucket(0.5))
	assert.Equal(t, SeverityHigh, cfg.Bucket(0.7))
	assert.Equal(t, SeverityCritical, cfg.Bucket(0.9))
	assert.Equal(t, SeverityCritical, cfg.Bucket(1))

	bad := cfg
	bad.High = 0.4
	assert.Error(t, bad.Validate())
}

func TestDetector_EntitiesAreIndependent(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())
	seed(d, "a", 20)
	seed(d, "b", 20)
	d.Observe("a", "latency_ms", 1000)
	b := d.Observe("b", "latency_ms", 100)
	assert.Less(t, b.Score, 0.5)

	latest := d.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, "a", latest[0].Entity)
	assert.Equal(t, SeverityCritical, latest[0].Severity)

	d.Reset("a")
	a := d.Observe("a", "latency_ms", 1000)
	assert.Zero(t, a.Score)
}

func TestDetector_ModelScoreBounded(t *testing.T) {
	d := NewDetector(DefaultAnomalyConfig())
	seed(d, "o", 50)
	for _, v := range []float64{0, 50, 100, 150, 1e6} {
		a := d.Observe("o", "latency_ms", v)
		assert.False(t, math.IsNaN(a.Model))
		assert.GreaterOrEqual(t, a.Model, 0.0)
		assert.LessOrEqual(t, a.Model, 1.0)
	}
}

type fakeQuarantiner struct {
	mu       sync.Mutex
	managed  map[string]bool
	reasons  map[string]string
	released []string
}

func (f *fakeQuarantiner) Quarantine(_ context.Context, name, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reasons[name]; ok {
		return false, nil
	}
	f.reasons[name] = reason
	return true, nil
}

func (f *fakeQuarantiner) Manages(name string) bool { return f.managed[name] }

func (f *fakeQuarantiner) RecoverDue(context.Context) []string { return f.released }

type recordingAlerts struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerts) PublishFrom(_ context.Context, _ string, eventType string, _ map[string]any) error {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
	return nil
}

func TestSupervisor_AnomalyQuarantinesOverlay(t *testing.T) {
	q := &fakeQuarantiner{managed: map[string]bool{"scorer": true}, reasons: map[string]string{}}
	alerts := &recordingAlerts{}
	s, err := New(DefaultConfig(), WithQuarantiner(q), WithAlerts(alerts))
	require.NoError(t, err)

	_, err = s.Canaries().Start("scorer", "1.0.0", "1.1.0", DefaultCanaryConfig())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s.Observe(ctx, "scorer", "error_rate", 0.01*float64(i%2))
	}
	a := s.Observe(ctx, "scorer", "error_rate", 5)
	require.True(t, a.Severity.Escalates())
	assert.Contains(t, q.reasons["scorer"], "anomaly")
	assert.Contains(t, alerts.events, EventAnomaly)
	assert.Contains(t, alerts.events, EventQuarantine)

	c, _ := s.Canaries().Get("scorer")
	assert.Equal(t, CanaryRolledBack, c.Snapshot().Status)

	// A second escalation is a no-op.
	n := len(alerts.events)
	require.NoError(t, s.Quarantine(ctx, "scorer", "again"))
	assert.Len(t, alerts.events, n)
}

func TestSupervisor_CallerQuarantineAndCooldown(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.CallerCooldown = time.Minute
	q := &fakeQuarantiner{managed: map[string]bool{}, reasons: map[string]string{}, released: []string{"overlay-x"}}
	s, err := New(cfg, WithQuarantiner(q), WithRecoverer(q), WithClock(clk.Now))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Quarantine(ctx, "caller-7", "abuse"))
	assert.True(t, s.CallerQuarantined("caller-7"))
	assert.Equal(t, []string{"caller-7"}, s.QuarantinedCallers())

	assert.Equal(t, []string{"overlay-x"}, s.Recover(ctx))
	clk.Advance(time.Minute)
	assert.Equal(t, []string{"caller-7", "overlay-x"}, s.Recover(ctx))
	assert.False(t, s.CallerQuarantined("caller-7"))

	require.NoError(t, s.Quarantine(ctx, "caller-8", "abuse"))
	assert.True(t, s.ReleaseCaller(ctx, "caller-8"))
	assert.False(t, s.ReleaseCaller(ctx, "caller-8"))
}

func TestSupervisor_EscalationRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []EscalationRule{
		{Name: "hard-ceiling", Expr: `metric == "memory_mb" && value > 512.0`, Action: ActionQuarantine},
	}
	q := &fakeQuarantiner{managed: map[string]bool{"big": true}, reasons: map[string]string{}}
	s, err := New(cfg, WithQuarantiner(q))
	require.NoError(t, err)

	// The rule fires before the detector has any history.
	s.Observe(context.Background(), "big", "memory_mb", 600)
	assert.Contains(t, q.reasons["big"], "hard-ceiling")

	_, err = New(Config{Rules: []EscalationRule{{Name: "bad", Expr: `value + 1.0`}}})
	assert.Error(t, err)
	_, err = New(Config{Rules: []EscalationRule{{Name: "bad", Expr: `true`, Action: "explode"}}})
	assert.Error(t, err)
}

func TestSupervisor_BreakerTransitionsAlert(t *testing.T) {
	alerts := &recordingAlerts{}
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 1
	s, err := New(cfg, WithAlerts(alerts))
	require.NoError(t, err)

	_ = s.Breakers().Execute(context.Background(), "store", func(context.Context) error { return errDown })
	assert.Equal(t, []string{EventBreakerTransition}, alerts.events)
}

func TestSupervisor_StartStop(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	bad := DefaultConfig()
	bad.CanarySchedule = "not a schedule"
	s, err = New(bad)
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
}
