package pipeline

import (
	"maps"
	"sync"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/sandbox"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// Context is the state of one in-flight operation. It belongs to that
// operation alone; concurrent phases of the same run share it through its
// lock.
type Context struct {
	PipelineID    string
	CorrelationID string
	Operation     string
	Trust         trust.Context
	Budget        sandbox.Budget
	Payload       map[string]any

	mu      sync.RWMutex
	results map[Phase]PhaseResult
	data    map[string]any
}

func newContext(id, correlationID, operation string, tc trust.Context, budget sandbox.Budget, payload map[string]any) *Context {
	return &Context{
		PipelineID:    id,
		CorrelationID: correlationID,
		Operation:     operation,
		Trust:         tc,
		Budget:        budget,
		Payload:       payload,
		results:       make(map[Phase]PhaseResult),
		data:          make(map[string]any),
	}
}

// Set stores working data for later phases.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	c.data[key] = v
	c.mu.Unlock()
}

// Get returns working data stored by an earlier phase.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Data returns a copy of the working data.
func (c *Context) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.data)
}

// Result returns the recorded result of p.
func (c *Context) Result(p Phase) (PhaseResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[p]
	return r, ok
}

// Results returns a copy of every recorded phase result.
func (c *Context) Results() map[Phase]PhaseResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.results)
}

func (c *Context) record(r PhaseResult) {
	c.mu.Lock()
	c.results[r.Phase] = r
	c.mu.Unlock()
}
