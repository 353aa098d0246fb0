// Package subagent provides per-backend specialized agents and their registry.
//
// A specialized agent binds one MCP server name to the shared delegate:
// every instruction it forwards carries a restriction directive so the
// delegate only uses that server's tools.
package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/pkg/protocol"
)

// Result is the timed outcome of one task given to an agent.
type Result struct {
	Agent   string        `json:"agent"`
	TaskID  string        `json:"task_id"`
	Success bool          `json:"success"`
	Result  string        `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ElapsedSeconds returns the elapsed time as fractional seconds.
func (r *Result) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// Agent executes tasks against a single backend through the delegate.
type Agent struct {
	name     string
	delegate protocol.Delegate
	log      *zap.Logger
}

// New creates a specialized agent for the named backend.
func New(name string, delegate protocol.Delegate, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{name: name, delegate: delegate, log: log}
}

// Name returns the backend this agent is bound to.
func (a *Agent) Name() string { return a.name }

// Execute runs a task to completion. Delegate failures are captured in
// the result, never propagated, so one agent's failure cannot abort a
// sibling running in parallel.
func (a *Agent) Execute(ctx context.Context, task string) *Result {
	res := &Result{
		Agent:  a.name,
		TaskID: fmt.Sprintf("%s-%s", a.name, uuid.NewString()[:8]),
	}

	start := time.Now()
	text, err := a.delegate.Execute(ctx, a.restrict(task))
	res.Elapsed = time.Since(start)

	if err != nil {
		res.Error = err.Error()
		a.log.Warn("agent task failed",
			zap.String("agent", a.name),
			zap.String("task_id", res.TaskID),
			zap.Error(err))
		return res
	}

	res.Success = true
	res.Result = text
	return res
}

// Stream runs a task and forwards delegate chunks as they arrive.
// Unlike Execute, errors propagate; streaming callers own failure
// handling.
func (a *Agent) Stream(ctx context.Context, task string, emit protocol.ChunkFunc) error {
	return a.delegate.Stream(ctx, a.restrict(task), emit)
}

func (a *Agent) restrict(task string) string {
	return protocol.RestrictionPrefix(a.name) + task
}

// ============================================================
// Registry
// ============================================================

// Registry manages the available specialized agents.
type Registry struct {
	agents map[string]*Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds an agent. Registration order is preserved for List.
func (r *Registry) Register(a *Agent) {
	if _, ok := r.agents[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.agents[a.Name()] = a
}

// Get retrieves an agent by backend name.
func (r *Registry) Get(name string) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// List returns registered backend names in registration order.
func (r *Registry) List() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}
