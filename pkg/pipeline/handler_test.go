package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
)

type fakeRouter map[string][]string

func (r fakeRouter) Routes(eventType string) []string { return r[eventType] }

type fakeInvoker struct {
	mu     sync.Mutex
	inputs map[string]phaseInput
	reply  func(ctx context.Context, name string) overlay.Result
}

func (f *fakeInvoker) Invoke(ctx context.Context, name, function string, input []byte, _ time.Duration) overlay.Result {
	var in phaseInput
	_ = json.Unmarshal(input, &in)
	f.mu.Lock()
	if f.inputs == nil {
		f.inputs = make(map[string]phaseInput)
	}
	f.inputs[name] = in
	f.mu.Unlock()
	if function != overlay.DefaultFunction {
		return overlay.Result{Error: "wrong function"}
	}
	return f.reply(ctx, name)
}

func ok(body string) overlay.Result { return overlay.Result{Success: true, Output: []byte(body)} }

func TestOverlayHandlers_FanOut(t *testing.T) {
	inv := &fakeInvoker{reply: func(_ context.Context, name string) overlay.Result {
		return ok(`{"by":"` + name + `"}`)
	}}
	h := NewOverlayHandlers(inv, fakeRouter{"pipeline.phase.analysis": {"scorer", "embedder"}})
	pc := newContext("p1", "c1", "insight.create", caller(), DefaultConfig().Budget, map[string]any{"title": "t"})
	pc.record(PhaseResult{Phase: PhaseIngestion, Status: StatusSucceeded, Output: "ingested"})

	out, err := h.Handler(PhaseAnalysis)(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"embedder": map[string]any{"by": "embedder"},
		"scorer":   map[string]any{"by": "scorer"},
	}, out)

	in := inv.inputs["scorer"]
	assert.Equal(t, "Analysis", in.Phase)
	assert.Equal(t, "c1", in.CorrelationID)
	assert.Equal(t, "user-1", in.Actor)
	assert.Equal(t, "ingested", in.Prior["Ingestion"])

	out, err = h.Handler(PhaseIngestion)(context.Background(), pc)
	require.NoError(t, err)
	assert.Nil(t, out, "phases without participants pass through")
}

func TestOverlayHandlers_FanOutFailure(t *testing.T) {
	inv := &fakeInvoker{reply: func(_ context.Context, name string) overlay.Result {
		if name == "bad" {
			return overlay.Result{Error: "ERR_COMPUTE_UNITS_EXHAUSTED", Err: errors.New("budget")}
		}
		return ok(`null`)
	}}
	h := NewOverlayHandlers(inv, fakeRouter{"pipeline.phase.validation": {"bad", "good"}})
	pc := newContext("p1", "c1", "op", caller(), DefaultConfig().Budget, nil)
	_, err := h.Handler(PhaseValidation)(context.Background(), pc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlay bad")
}

func TestOverlayHandlers_ConsensusEarlyExit(t *testing.T) {
	slow := make(chan struct{})
	defer close(slow)
	inv := &fakeInvoker{reply: func(ctx context.Context, name string) overlay.Result {
		if name == "laggard" {
			select {
			case <-slow:
			case <-ctx.Done():
			}
			return overlay.Result{Error: "cancelled", Err: ctx.Err()}
		}
		return ok(`{"approve":true}`)
	}}
	voters := []string{"a", "b", "c", "d", "laggard"}
	h := NewOverlayHandlers(inv, fakeRouter{"pipeline.phase.consensus": voters})
	pc := newContext("p1", "c1", "op", caller(), DefaultConfig().Budget, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := h.Handler(PhaseConsensus)(ctx, pc)
	require.NoError(t, err)
	outcome := out.(Outcome)
	assert.True(t, outcome.Approved)
	assert.True(t, outcome.EarlyExit)
	assert.NoError(t, ctx.Err())
}

func TestOverlayHandlers_ConsensusRejected(t *testing.T) {
	inv := &fakeInvoker{reply: func(_ context.Context, name string) overlay.Result {
		if name == "auditor" {
			return ok(`{"approve":false,"reason":"policy"}`)
		}
		return ok(`{"approve":true}`)
	}}
	h := NewOverlayHandlers(inv, fakeRouter{"pipeline.phase.consensus": {"auditor", "scorer"}}).
		WithWeights(map[string]float64{"auditor": 3})
	pc := newContext("p1", "c1", "op", caller(), DefaultConfig().Budget, nil)

	out, err := h.Handler(PhaseConsensus)(context.Background(), pc)
	assert.ErrorIs(t, err, ErrConsensusRejected)
	assert.False(t, out.(Outcome).Approved)
}

func TestOrchestrator_ConsensusRejectionIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	inv := &fakeInvoker{reply: func(context.Context, string) overlay.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return ok(`{"approve":false}`)
	}}
	h := NewOverlayHandlers(inv, fakeRouter{"pipeline.phase.consensus": {"veto"}})
	o := newOrchestrator(t, WithDefaultHandlers(h))

	res, err := o.Submit(context.Background(), "anything", nil, caller())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsensusRejected)
	assert.Equal(t, "Consensus", res.FailingPhase)
	assert.Equal(t, 1, res.Phases[PhaseConsensus].Attempts)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}
