package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
)

// Handler performs one phase of an operation. Its return value becomes the
// phase output.
type Handler func(ctx context.Context, pc *Context) (any, error)

// Invoker runs an overlay function; *overlay.Runtime satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name, function string, input []byte, timeout time.Duration) overlay.Result
}

// Router lists the routable subscribers of an event type; *eventbus.Bus
// satisfies it.
type Router interface {
	Routes(eventType string) []string
}

// ErrConsensusRejected is the cause of a Consensus phase whose votes fell
// short of the supermajority.
var ErrConsensusRejected = errors.New("consensus rejected")

// OverlayHandlers builds the default phase handlers: each phase invokes the
// overlays currently subscribed to its topic.
type OverlayHandlers struct {
	invoker   Invoker
	router    Router
	threshold float64
	weights   map[string]float64
}

func NewOverlayHandlers(inv Invoker, router Router) *OverlayHandlers {
	return &OverlayHandlers{invoker: inv, router: router, threshold: DefaultSupermajority}
}

// WithSupermajority sets the approving share that settles Consensus.
func (h *OverlayHandlers) WithSupermajority(t float64) *OverlayHandlers {
	h.threshold = t
	return h
}

// WithWeights assigns vote weights per overlay; unlisted voters weigh 1.
func (h *OverlayHandlers) WithWeights(w map[string]float64) *OverlayHandlers {
	h.weights = w
	return h
}

func (h *OverlayHandlers) weight(name string) float64 {
	if w, ok := h.weights[name]; ok && w > 0 {
		return w
	}
	return 1
}

// phaseInput is what a participating overlay receives.
type phaseInput struct {
	PipelineID    string         `json:"pipeline_id"`
	CorrelationID string         `json:"correlation_id"`
	Operation     string         `json:"operation"`
	Phase         string         `json:"phase"`
	Actor         string         `json:"actor"`
	TrustScore    int            `json:"trust_score"`
	Payload       map[string]any `json:"payload,omitempty"`
	Prior         map[string]any `json:"prior,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Handler returns the default handler for p.
func (h *OverlayHandlers) Handler(p Phase) Handler {
	if p == PhaseConsensus {
		return h.consensus
	}
	return func(ctx context.Context, pc *Context) (any, error) { return h.fanOut(ctx, pc, p) }
}

func (h *OverlayHandlers) participants(p Phase) []string {
	names := h.router.Routes(p.Topic())
	sort.Strings(names)
	return names
}

func (h *OverlayHandlers) input(pc *Context, p Phase) ([]byte, error) {
	prior := make(map[string]any)
	for ph, r := range pc.Results() {
		if r.Status == StatusSucceeded && r.Output != nil {
			prior[ph.String()] = r.Output
		}
	}
	return json.Marshal(phaseInput{
		PipelineID:    pc.PipelineID,
		CorrelationID: pc.CorrelationID,
		Operation:     pc.Operation,
		Phase:         p.String(),
		Actor:         pc.Trust.ActorID,
		TrustScore:    int(pc.Trust.Score),
		Payload:       pc.Payload,
		Prior:         prior,
		Data:          pc.Data(),
	})
}

func (h *OverlayHandlers) invoke(ctx context.Context, pc *Context, name string, in []byte) (json.RawMessage, error) {
	res := h.invoker.Invoke(overlay.WithRouteKey(ctx, pc.CorrelationID), name, overlay.DefaultFunction, in, 0)
	if !res.Success {
		if res.Err != nil {
			return nil, fmt.Errorf("overlay %s: %w", name, res.Err)
		}
		return nil, fmt.Errorf("overlay %s: %s", name, res.Error)
	}
	return res.Output, nil
}

// fanOut invokes every participant concurrently. Any failure fails the phase.
// The output maps overlay name to its decoded output.
func (h *OverlayHandlers) fanOut(ctx context.Context, pc *Context, p Phase) (any, error) {
	names := h.participants(p)
	if len(names) == 0 {
		return nil, nil
	}
	in, err := h.input(pc, p)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(map[string]any, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			raw, err := h.invoke(gctx, pc, name, in)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = decodeOutput(raw)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeOutput(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// ballot is the output a voting overlay returns from Consensus.
type ballot struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// consensus asks every participant to vote and stops waiting once the
// outcome is settled. A voter that fails or answers garbage rejects. With no
// voters the operation is approved.
func (h *OverlayHandlers) consensus(ctx context.Context, pc *Context) (any, error) {
	names := h.participants(PhaseConsensus)
	if len(names) == 0 {
		return Outcome{Approved: true}, nil
	}
	in, err := h.input(pc, PhaseConsensus)
	if err != nil {
		return nil, err
	}

	var expected float64
	for _, n := range names {
		expected += h.weight(n)
	}

	vctx, cancel := context.WithCancel(ctx)
	defer cancel()
	votes := make(chan Vote, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := Vote{Voter: name, Weight: h.weight(name)}
			raw, err := h.invoke(vctx, pc, name, in)
			var b ballot
			switch {
			case err != nil:
				v.Reason = err.Error()
			case json.Unmarshal(raw, &b) != nil:
				v.Reason = "unreadable ballot"
			default:
				v.Approve, v.Reason = b.Approve, b.Reason
			}
			votes <- v
		}()
	}
	go func() {
		wg.Wait()
		close(votes)
	}()

	outcome, err := Tally(ctx, votes, expected, h.threshold)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}
	if !outcome.Approved {
		return outcome, fmt.Errorf("%w: approval %.2f below %.2f", ErrConsensusRejected, outcome.Approval, h.threshold)
	}
	return outcome, nil
}
