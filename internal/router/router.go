// Package router implements the multi-agent task router.
//
// Per query the router runs a small state machine: analyze the request
// into a plan of backend-bound tasks, execute them in parallel or in
// declared order, then merge the results into one response.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/internal/model"
	"github.com/conduit-ai/conduit/internal/prompt"
	"github.com/conduit-ai/conduit/internal/subagent"
	"github.com/conduit-ai/conduit/pkg/protocol"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// Merged is the combined outcome of an executed plan.
type Merged struct {
	Response   string   `json:"response"`
	AgentsUsed []string `json:"agents_used"`
	Success    bool     `json:"success"`
	TotalTime  float64  `json:"total_execution_time"`
}

// Router decomposes queries across the registered backend agents.
type Router struct {
	registry *subagent.Registry
	planner  model.Model
	log      *zap.Logger
}

// New creates a router over the given agents. planner may be nil when
// only one backend is registered (the fast path needs no model).
func New(registry *subagent.Registry, planner model.Model, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{registry: registry, planner: planner, log: log}
}

// Analyze produces an execution plan for query. It never fails: model
// errors, malformed plans and fully-invalid task lists all degrade to
// a single-task plan on the first available backend.
func (r *Router) Analyze(ctx context.Context, query string) *Plan {
	servers := r.registry.List()
	if len(servers) == 0 {
		return &Plan{Reasoning: "no backends available"}
	}

	// Fast path: one backend means no routing decision to make.
	if len(servers) == 1 {
		return &Plan{
			Tasks:     []Task{{Agent: servers[0], Query: query, Priority: 1}},
			Parallel:  false,
			Reasoning: "single backend available",
		}
	}

	if r.planner == nil || !r.planner.IsAvailable() {
		return r.fallbackPlan(query, servers, "no planning model available")
	}

	resp, err := r.planner.Generate(ctx, &model.Request{
		Prompt: prompt.PlanDecomposition(query, servers),
		JSON:   true,
	})
	if err != nil {
		r.log.Warn("plan generation failed, falling back", zap.Error(err))
		return r.fallbackPlan(query, servers, "planning model unavailable")
	}

	plan, err := parsePlan(resp.Text, servers)
	if err != nil {
		r.log.Warn("plan unparseable, falling back", zap.Error(err))
		return r.fallbackPlan(query, servers, "plan response unparseable")
	}
	if len(plan.Tasks) == 0 {
		return r.fallbackPlan(query, servers, "no valid tasks in plan")
	}

	return plan
}

func (r *Router) fallbackPlan(query string, servers []string, reason string) *Plan {
	return &Plan{
		Tasks:     []Task{{Agent: servers[0], Query: query, Priority: 1}},
		Parallel:  false,
		Reasoning: reason,
	}
}

// Execute analyzes the query and runs the resulting plan to completion.
func (r *Router) Execute(ctx context.Context, query string) (*Merged, error) {
	plan := r.Analyze(ctx, query)
	if len(plan.Tasks) == 0 {
		return nil, apperrors.Permanent(apperrors.CodeBackendUnavailable,
			"no backends available to route to")
	}

	var results []*subagent.Result
	if plan.Parallel && len(plan.Tasks) > 1 {
		results = r.executeParallel(ctx, plan.Tasks)
	} else {
		results = r.executeSequential(ctx, plan.Tasks)
	}

	return r.merge(results), nil
}

// executeParallel fans the tasks out concurrently. Each agent captures
// its own failures, so one task cannot cancel or lose its siblings.
func (r *Router) executeParallel(ctx context.Context, tasks []Task) []*subagent.Result {
	type taskResult struct {
		index  int
		result *subagent.Result
	}

	resultChan := make(chan taskResult, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			resultChan <- taskResult{index: idx, result: r.runTask(ctx, t)}
		}(i, task)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Collect in completion order.
	results := make([]*subagent.Result, 0, len(tasks))
	for tr := range resultChan {
		results = append(results, tr.result)
	}
	return results
}

func (r *Router) executeSequential(ctx context.Context, tasks []Task) []*subagent.Result {
	results := make([]*subagent.Result, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, r.runTask(ctx, task))
	}
	return results
}

func (r *Router) runTask(ctx context.Context, task Task) *subagent.Result {
	agent, ok := r.registry.Get(task.Agent)
	if !ok {
		return &subagent.Result{
			Agent: task.Agent,
			Error: fmt.Sprintf("backend %q not registered", task.Agent),
		}
	}
	return agent.Execute(ctx, task.Query)
}

// merge concatenates labeled successful outputs, appends failure
// blocks, and reports success iff at least one task succeeded.
func (r *Router) merge(results []*subagent.Result) *Merged {
	merged := &Merged{}
	var sections []string

	for _, res := range results {
		if res.Success {
			sections = append(sections, fmt.Sprintf("**%s Agent** (%.2fs):\n%s",
				res.Agent, res.ElapsedSeconds(), res.Result))
			merged.AgentsUsed = append(merged.AgentsUsed, res.Agent)
			merged.Success = true
			merged.TotalTime += res.ElapsedSeconds()
		}
	}
	for _, res := range results {
		if !res.Success {
			sections = append(sections, fmt.Sprintf("**%s Agent** failed: %s",
				res.Agent, res.Error))
		}
	}

	merged.Response = strings.Join(sections, "\n\n---\n\n")
	return merged
}

// Stream runs the plan with a streamed primary task. The first task's
// text fragments are forwarded as they arrive (status fragments are
// dropped); any remaining tasks execute blocking afterwards and their
// results are appended. Stream errors from the primary task propagate.
func (r *Router) Stream(ctx context.Context, query string, emit protocol.ChunkFunc) error {
	plan := r.Analyze(ctx, query)
	if len(plan.Tasks) == 0 {
		return apperrors.Permanent(apperrors.CodeBackendUnavailable,
			"no backends available to route to")
	}

	primary := plan.Tasks[0]
	agent, ok := r.registry.Get(primary.Agent)
	if !ok {
		return apperrors.Permanent(apperrors.CodeBackendUnavailable,
			fmt.Sprintf("backend %q not registered", primary.Agent))
	}

	if len(plan.Tasks) > 1 {
		emit(protocol.StatusChunk(fmt.Sprintf("Routing across %d agents: %s",
			len(plan.Tasks), plan.Reasoning)))
	}

	err := agent.Stream(ctx, primary.Query, func(c protocol.Chunk) {
		if c.Text != "" {
			emit(protocol.TextChunk(c.Text))
		}
	})
	if err != nil {
		return err
	}

	if len(plan.Tasks) == 1 {
		return nil
	}

	emit(protocol.TextChunk("\n\n---\n\nAdditional results:\n"))
	for _, task := range plan.Tasks[1:] {
		res := r.runTask(ctx, task)
		if res.Success {
			emit(protocol.TextChunk(fmt.Sprintf("\n**%s Agent** (%.2fs):\n%s\n",
				res.Agent, res.ElapsedSeconds(), res.Result)))
		} else {
			emit(protocol.TextChunk(fmt.Sprintf("\n**%s Agent** failed: %s\n",
				res.Agent, res.Error)))
		}
	}

	return nil
}
