package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
)

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Overlay             string `json:"overlay"`
	Variant             string `json:"variant"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Error               string `json:"error,omitempty"`
	Quarantined         bool   `json:"quarantined,omitempty"`
}

// HealthMonitor probes every active instance on an interval. Instances are
// probed concurrently; a stable instance reaching the failure threshold is
// quarantined, a failing canary is reported to its rollout.
type HealthMonitor struct {
	rt *Runtime

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHealthMonitor(rt *Runtime) *HealthMonitor {
	return &HealthMonitor{rt: rt}
}

// Start launches the probe loop. It is a no-op when already running.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop ends the probe loop and waits for it, up to ctx.
func (m *HealthMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *HealthMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.rt.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one monitoring round and returns a result per probed instance.
func (m *HealthMonitor) Probe(ctx context.Context) []ProbeResult {
	type target struct {
		inst   *Instance
		canary bool
	}
	var targets []target
	for _, name := range m.rt.reg.Names() {
		if inst, ok := m.rt.reg.Get(name); ok && inst.State() == StateActive {
			targets = append(targets, target{inst: inst})
		}
		if c, ok := m.rt.reg.Canary(name); ok && c.State() == StateActive {
			targets = append(targets, target{inst: c, canary: true})
		}
	}

	results := make([]ProbeResult, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			results[i] = m.probe(ctx, t.inst, t.canary)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *HealthMonitor) probe(ctx context.Context, inst *Instance, canary bool) ProbeResult {
	res := ProbeResult{Overlay: inst.Name(), Variant: supervisor.VariantStable.String()}
	if canary {
		res.Variant = supervisor.VariantCanary.String()
	}

	pctx, cancel := context.WithTimeout(ctx, m.rt.cfg.ProbeTimeout)
	defer cancel()
	err := safeProbe(pctx, inst.implementation())
	res.ConsecutiveFailures = inst.recordProbe(m.rt.clock(), err)
	if err == nil {
		res.Healthy = true
		return res
	}
	res.Error = err.Error()
	m.rt.logger.Warn("health probe failed", "overlay", inst.Name(), "variant", res.Variant,
		"consecutive_failures", res.ConsecutiveFailures, "error", err)

	if res.ConsecutiveFailures < m.rt.cfg.FailureThreshold {
		return res
	}
	if canary {
		if c, ok := m.rt.canaries.Get(inst.Name()); ok {
			c.ReportHealth(false)
		}
		return res
	}
	reason := fmt.Sprintf("health probe failed %d times: %s", res.ConsecutiveFailures, res.Error)
	if qerr := m.rt.escalate(ctx, inst.Name(), reason); qerr != nil {
		m.rt.logger.Error("quarantine after failed probes", "overlay", inst.Name(), "error", qerr)
		return res
	}
	res.Quarantined = inst.State() == StateQuarantined
	return res
}

// safeProbe converts a panicking or hanging probe into an error.
func safeProbe(ctx context.Context, o Overlay) (err error) {
	if o == nil {
		return fmt.Errorf("overlay has no implementation")
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("health probe panicked: %v", r)
			}
		}()
		done <- o.HealthCheck(ctx)
	}()
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health probe: %w", ctx.Err())
	}
}
