package supervisor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanary_ErrorRateRollback(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.MaxErrorRate = 0.01
	cfg.MinRequests = 100
	c, err := NewCanary("summarizer", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)

	// 150 requests at roughly 3% errors.
	for i := 0; i < 150; i++ {
		var callErr error
		if i%33 == 0 {
			callErr = errors.New("fail")
		}
		c.Record(VariantCanary, 10*time.Millisecond, callErr)
	}

	assert.Equal(t, DecisionRollback, c.Evaluate())
	snap := c.Snapshot()
	assert.Zero(t, snap.Percent)
	assert.Equal(t, CanaryRolledBack, snap.Status)
	assert.Equal(t, RollbackErrorRate, snap.RollbackReason)
	assert.InDelta(t, 5.0/150.0, snap.ErrorRate, 1e-9)

	for i := 0; i < 100; i++ {
		assert.Equal(t, VariantStable, c.Route(fmt.Sprintf("req-%d", i)))
	}
	assert.Equal(t, DecisionIdle, c.Evaluate())
}

func TestCanary_HoldsUntilMinRequests(t *testing.T) {
	c, err := NewCanary("o", "1.0.0", "2.0.0", DefaultCanaryConfig())
	require.NoError(t, err)
	for i := 0; i < 99; i++ {
		c.Record(VariantCanary, time.Millisecond, errors.New("fail"))
	}
	assert.Equal(t, DecisionHold, c.Evaluate())
	assert.Equal(t, 5.0, c.Snapshot().Percent)
}

func TestCanary_LinearAdvanceAndPromote(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.InitialPercent = 70
	cfg.StepPercent = 20
	cfg.MinRequests = 10
	c, err := NewCanary("o", "1.0.0", "1.0.1", cfg)
	require.NoError(t, err)

	healthy := func() {
		for i := 0; i < 10; i++ {
			c.Record(VariantCanary, time.Millisecond, nil)
			c.Record(VariantStable, time.Millisecond, nil)
		}
	}
	healthy()
	assert.Equal(t, DecisionAdvance, c.Evaluate())
	assert.Equal(t, 90.0, c.Snapshot().Percent)
	// Counters restart for each step.
	assert.Equal(t, DecisionHold, c.Evaluate())

	healthy()
	assert.Equal(t, DecisionPromote, c.Evaluate())
	snap := c.Snapshot()
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, CanaryPromoted, snap.Status)
	assert.Equal(t, VariantCanary, c.Route("anyone"))
}

func TestCanary_ExponentialDoubles(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.Strategy = StrategyExponential
	cfg.InitialPercent = 10
	cfg.MinRequests = 1
	c, err := NewCanary("o", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)

	for _, want := range []float64{20, 40, 80} {
		c.Record(VariantCanary, time.Millisecond, nil)
		require.Equal(t, DecisionAdvance, c.Evaluate())
		assert.Equal(t, want, c.Snapshot().Percent)
	}
	c.Record(VariantCanary, time.Millisecond, nil)
	assert.Equal(t, DecisionPromote, c.Evaluate())
}

func TestCanary_ManualNeverAdvances(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.Strategy = StrategyManual
	cfg.MinRequests = 1
	c, err := NewCanary("o", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)
	c.Record(VariantCanary, time.Millisecond, nil)
	assert.Equal(t, DecisionHold, c.Evaluate())
	assert.Equal(t, 5.0, c.Snapshot().Percent)

	d, err := c.SetPercent(50)
	require.NoError(t, err)
	assert.Equal(t, DecisionAdvance, d)
	assert.Equal(t, 50.0, c.Snapshot().Percent)
	_, err = c.SetPercent(150)
	assert.ErrorIs(t, err, ErrCanaryPercent)
}

func TestCanaries_SetPercentPromotesAndNotifies(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.Strategy = StrategyManual
	var events []CanaryEvent
	r := NewCanaries().OnDecision(func(ev CanaryEvent) { events = append(events, ev) })
	_, err := r.Start("o", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)

	d, err := r.SetPercent("o", 40)
	require.NoError(t, err)
	assert.Equal(t, DecisionAdvance, d)

	d, err = r.SetPercent("o", 100)
	require.NoError(t, err)
	assert.Equal(t, DecisionPromote, d)
	require.Len(t, events, 2)
	assert.Equal(t, DecisionPromote, events[1].Decision)
	assert.Equal(t, CanaryPromoted, events[1].Rollout.Status)
	assert.Equal(t, VariantCanary, r.Route("o", "anyone"))

	_, err = r.SetPercent("o", 50)
	assert.ErrorIs(t, err, ErrCanaryNotRunning)
	_, err = r.SetPercent("missing", 50)
	assert.ErrorIs(t, err, ErrNoCanary)
	assert.Len(t, events, 2)
}

func TestCanary_LatencyRatioRollback(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.MinRequests = 10
	cfg.MaxLatencyRatio = 1.5
	c, err := NewCanary("o", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		c.Record(VariantStable, 10*time.Millisecond, nil)
		c.Record(VariantCanary, 20*time.Millisecond, nil)
	}
	assert.Equal(t, DecisionRollback, c.Evaluate())
	assert.Equal(t, RollbackLatencyRatio, c.Snapshot().RollbackReason)
}

func TestCanary_ImmediateSignals(t *testing.T) {
	c, err := NewCanary("o", "1.0.0", "1.1.0", DefaultCanaryConfig())
	require.NoError(t, err)
	c.ReportHealth(false)
	assert.Equal(t, DecisionRollback, c.Evaluate())
	assert.Equal(t, RollbackHealthCheck, c.Snapshot().RollbackReason)

	c, err = NewCanary("o", "1.0.0", "1.1.0", DefaultCanaryConfig())
	require.NoError(t, err)
	c.ReportAnomaly(0.95)
	assert.Equal(t, DecisionRollback, c.Evaluate())
	assert.Equal(t, RollbackAnomaly, c.Snapshot().RollbackReason)
}

func TestCanary_RouteIsDeterministic(t *testing.T) {
	cfg := DefaultCanaryConfig()
	cfg.InitialPercent = 25
	c, err := NewCanary("o", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)

	canary := 0
	for i := 0; i < 4000; i++ {
		key := fmt.Sprintf("caller-%d", i)
		v := c.Route(key)
		assert.Equal(t, v, c.Route(key))
		if v == VariantCanary {
			canary++
		}
	}
	assert.InDelta(t, 1000, canary, 150)
}

func TestNewCanary_RejectsBadVersions(t *testing.T) {
	_, err := NewCanary("o", "1.1.0", "1.0.0", DefaultCanaryConfig())
	assert.Error(t, err)
	_, err = NewCanary("o", "x", "1.0.0", DefaultCanaryConfig())
	assert.Error(t, err)
}

func TestCanaries_EvaluateAllNotifies(t *testing.T) {
	var events []CanaryEvent
	r := NewCanaries().OnDecision(func(e CanaryEvent) { events = append(events, e) })
	cfg := DefaultCanaryConfig()
	cfg.MinRequests = 1
	c, err := r.Start("o", "1.0.0", "1.1.0", cfg)
	require.NoError(t, err)
	_, err = r.Start("o", "1.0.0", "1.2.0", cfg)
	assert.Error(t, err, "one running rollout per overlay")

	c.Record(VariantCanary, time.Millisecond, errors.New("x"))
	got := r.EvaluateAll()
	assert.Equal(t, DecisionRollback, got["o"])
	require.Len(t, events, 1)
	assert.Equal(t, "o", events[0].Rollout.OverlayID)
	assert.Equal(t, VariantStable, r.Route("o", "k"))
	assert.Equal(t, VariantStable, r.Route("unknown", "k"))

	// A finished rollout can be replaced.
	_, err = r.Start("o", "1.0.0", "1.2.0", cfg)
	assert.NoError(t, err)
}
