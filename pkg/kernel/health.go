package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
)

// Status is a component health grade.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth describes one component.
type ComponentHealth struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthReport is the aggregated view served at /healthz and /readyz.
type HealthReport struct {
	Status     Status                     `json:"status"`
	Ready      bool                       `json:"ready"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health grades each component. The report is ready when no component is
// unhealthy; the overall status is the worst component status.
func (k *Kernel) Health(_ context.Context) HealthReport {
	k.mu.Lock()
	started, closed := k.started, k.closed
	k.mu.Unlock()

	components := map[string]ComponentHealth{
		"kernel":     kernelHealth(started, closed),
		"eventbus":   k.busHealth(closed),
		"overlays":   k.overlayHealth(),
		"breakers":   k.breakerHealth(),
		"pipeline":   k.pipelineHealth(closed),
		"supervisor": k.supervisorHealth(),
	}

	report := HealthReport{Status: StatusHealthy, Ready: true, CheckedAt: time.Now().UTC(), Components: components}
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
			report.Ready = false
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func kernelHealth(started, closed bool) ComponentHealth {
	switch {
	case closed:
		return ComponentHealth{Status: StatusUnhealthy, Message: "shut down"}
	case !started:
		return ComponentHealth{Status: StatusUnhealthy, Message: "not started"}
	default:
		return ComponentHealth{Status: StatusHealthy}
	}
}

func (k *Kernel) busHealth(closed bool) ComponentHealth {
	st := k.bus.Stats()
	h := ComponentHealth{
		Status: StatusHealthy,
		Details: map[string]any{
			"published":       st.Published,
			"delivered":       st.Delivered,
			"dead_lettered":   st.DeadLettered,
			"dropped":         st.Dropped,
			"subscribers":     st.Subscribers,
			"active_cascades": st.Cascades.Active,
		},
	}
	if closed {
		h.Status, h.Message = StatusUnhealthy, "closed"
	} else if st.DeadLettered > 0 {
		h.Status, h.Message = StatusDegraded, fmt.Sprintf("%d events dead-lettered", st.DeadLettered)
	}
	return h
}

func (k *Kernel) overlayHealth() ComponentHealth {
	counts := make(map[string]int)
	var failed, quarantined []string
	for _, info := range k.registry.List() {
		counts[info.State.String()]++
		switch info.State {
		case overlay.StateFailed:
			failed = append(failed, info.Name)
		case overlay.StateQuarantined:
			quarantined = append(quarantined, info.Name)
		}
	}
	details := map[string]any{"states": counts}
	if len(failed) > 0 {
		details["failed"] = failed
	}
	if len(quarantined) > 0 {
		details["quarantined"] = quarantined
	}
	h := ComponentHealth{Status: StatusHealthy, Details: details}
	if n := len(failed) + len(quarantined); n > 0 {
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("%d overlays out of service", n)
	}
	return h
}

func (k *Kernel) breakerHealth() ComponentHealth {
	open := k.supervisor.Breakers().Open()
	if len(open) == 0 {
		return ComponentHealth{Status: StatusHealthy}
	}
	return ComponentHealth{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("%d circuits open", len(open)),
		Details: map[string]any{"open": open},
	}
}

func (k *Kernel) pipelineHealth(closed bool) ComponentHealth {
	h := ComponentHealth{Status: StatusHealthy, Details: map[string]any{"in_flight": k.orchestrator.InFlight()}}
	if closed {
		h.Status, h.Message = StatusUnhealthy, "closed"
	}
	return h
}

func (k *Kernel) supervisorHealth() ComponentHealth {
	callers := k.supervisor.QuarantinedCallers()
	h := ComponentHealth{Status: StatusHealthy, Details: map[string]any{"canaries": len(k.supervisor.Canaries().List())}}
	if len(callers) > 0 {
		h.Details["quarantined_callers"] = callers
	}
	return h
}
