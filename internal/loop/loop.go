// Package loop implements the agentic execution controller.
//
// A run follows PLAN, then repeated ACT / REFLECT / (RETRY or ADVANCE)
// cycles, then SUMMARIZE. The loop always makes forward progress: a
// sub-goal that exhausts its retry budget is marked failed and skipped,
// never spun on.
package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/internal/model"
	"github.com/conduit-ai/conduit/internal/prompt"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// reflectionResultLimit bounds how much step output is shown to the
// reflection model.
const reflectionResultLimit = 1000

// Reflection is the verdict on one execution attempt.
type Reflection struct {
	Success     bool
	Reasoning   string
	ShouldRetry bool
	NewApproach string
}

// Config bounds a loop's execution.
type Config struct {
	MaxIterations     int
	MaxRetriesPerStep int
}

// DefaultConfig balances thoroughness against runtime.
func DefaultConfig() Config {
	return Config{MaxIterations: 10, MaxRetriesPerStep: 2}
}

// FastConfig trades retries for latency.
func FastConfig() Config {
	return Config{MaxIterations: 5, MaxRetriesPerStep: 1}
}

// ThoroughConfig allows long plans with persistent retrying.
func ThoroughConfig() Config {
	return Config{MaxIterations: 20, MaxRetriesPerStep: 3}
}

// Loop supervises multi-step goal execution through the delegate.
type Loop struct {
	delegate protocol.Delegate
	planner  model.Model
	servers  []string
	cfg      Config
	log      *zap.Logger
}

// New creates an execution loop. servers is the backend inventory shown
// to the planning model for tool hints.
func New(delegate protocol.Delegate, planner model.Model, servers []string, cfg Config, log *zap.Logger) *Loop {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxRetriesPerStep < 1 {
		cfg.MaxRetriesPerStep = DefaultConfig().MaxRetriesPerStep
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		delegate: delegate,
		planner:  planner,
		servers:  servers,
		cfg:      cfg,
		log:      log,
	}
}

// Plan decomposes the goal into ordered sub-goals. It never fails:
// model errors or unparseable output fall back to a single sub-goal
// equal to the goal itself.
func (l *Loop) Plan(ctx context.Context, goal string) *ExecutionPlan {
	plan := &ExecutionPlan{Goal: goal, CreatedAt: time.Now()}

	if l.planner != nil && l.planner.IsAvailable() {
		resp, err := l.planner.Generate(ctx, &model.Request{
			Prompt: prompt.GoalPlan(goal, l.servers),
		})
		if err != nil {
			l.log.Warn("goal planning failed, using single-step fallback", zap.Error(err))
		} else {
			plan.SubGoals = parseSubGoals(resp.Text)
		}
	}

	if len(plan.SubGoals) == 0 {
		plan.SubGoals = []*SubGoal{{
			ID:          1,
			Description: goal,
			Status:      StatusPending,
		}}
	}

	return plan
}

// Run executes the goal, emitting progress and result chunks. Partial
// output stays valid if the caller stops consuming; the only error
// returned is context cancellation.
func (l *Loop) Run(ctx context.Context, goal string, emit protocol.ChunkFunc) error {
	emit(protocol.StatusChunk("Planning: breaking the goal into steps"))
	plan := l.Plan(ctx, goal)

	var banner strings.Builder
	fmt.Fprintf(&banner, "Plan (%d steps):\n", len(plan.SubGoals))
	for _, sg := range plan.SubGoals {
		fmt.Fprintf(&banner, "  %d. %s", sg.ID, sg.Description)
		if sg.ToolHint != "" {
			fmt.Fprintf(&banner, " [%s]", sg.ToolHint)
		}
		banner.WriteString("\n")
	}
	emit(protocol.TextChunk(banner.String()))

	iterations := 0
	for !plan.Complete() && iterations < l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		iterations++

		sg := plan.Current()
		emit(protocol.StatusChunk(fmt.Sprintf("Step %d/%d: %s",
			sg.ID, len(plan.SubGoals), sg.Description)))

		result, err := l.executeStep(ctx, sg)
		if err != nil {
			emit(protocol.TextChunk(fmt.Sprintf("\nStep %d error: %v\n", sg.ID, err)))
			sg.LastError = err.Error()
			if sg.Attempts >= l.cfg.MaxRetriesPerStep {
				sg.Status = StatusFailed
				plan.Cursor++
			}
			continue
		}

		refl := l.reflect(ctx, sg, result)
		if refl.Success {
			sg.Status = StatusCompleted
			sg.Result = result
			emit(protocol.TextChunk(fmt.Sprintf("\nStep %d result:\n%s\n", sg.ID, result)))
			plan.Cursor++
			continue
		}

		sg.LastError = refl.Reasoning
		if refl.ShouldRetry && sg.Attempts < l.cfg.MaxRetriesPerStep {
			if refl.NewApproach != "" {
				sg.Description = refl.NewApproach
				emit(protocol.StatusChunk(fmt.Sprintf(
					"Retrying step %d with new approach: %s", sg.ID, refl.NewApproach)))
			} else {
				emit(protocol.StatusChunk(fmt.Sprintf("Retrying step %d", sg.ID)))
			}
			continue
		}

		sg.Status = StatusFailed
		emit(protocol.TextChunk(fmt.Sprintf("\nStep %d failed: %s\n", sg.ID, sg.LastError)))
		plan.Cursor++
	}

	l.summarize(ctx, plan, emit)
	return ctx.Err()
}

// executeStep runs one sub-goal through the delegate, concatenating
// streamed text. Execution errors propagate to Run.
func (l *Loop) executeStep(ctx context.Context, sg *SubGoal) (string, error) {
	sg.Status = StatusInProgress
	sg.Attempts++

	instruction := sg.Description
	if sg.ToolHint != "" {
		instruction = protocol.RestrictionPrefix(sg.ToolHint) + instruction
	}

	var out strings.Builder
	err := l.delegate.Stream(ctx, instruction, func(c protocol.Chunk) {
		if c.Text != "" {
			out.WriteString(c.Text)
		}
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// reflect asks the model to judge the step. Reflection outages fail
// open as success so a broken judge cannot trap the loop in retries.
func (l *Loop) reflect(ctx context.Context, sg *SubGoal, result string) Reflection {
	if l.planner == nil || !l.planner.IsAvailable() {
		return Reflection{Success: true, Reasoning: "reflection unavailable"}
	}

	shown := result
	if len(shown) > reflectionResultLimit {
		shown = shown[:reflectionResultLimit] + "\n[truncated]"
	}

	resp, err := l.planner.Generate(ctx, &model.Request{
		Prompt: prompt.Reflection(sg.Description, shown),
	})
	if err != nil {
		l.log.Warn("reflection failed, assuming success", zap.Error(err))
		return Reflection{Success: true, Reasoning: "reflection unavailable"}
	}

	return parseReflection(resp.Text)
}

// parseReflection reads the fixed four-line verdict format. Missing
// lines keep zero values; a missing SUCCESS line means failure only
// when a RETRY line is present, otherwise the verdict fails open.
func parseReflection(raw string) Reflection {
	refl := Reflection{}
	sawAny := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "SUCCESS:"):
			sawAny = true
			refl.Success = strings.Contains(strings.ToLower(line[len("SUCCESS:"):]), "yes")
		case strings.HasPrefix(upper, "REASONING:"):
			sawAny = true
			refl.Reasoning = strings.TrimSpace(line[len("REASONING:"):])
		case strings.HasPrefix(upper, "RETRY:"):
			sawAny = true
			refl.ShouldRetry = strings.Contains(strings.ToLower(line[len("RETRY:"):]), "yes")
		case strings.HasPrefix(upper, "NEW_APPROACH:"):
			sawAny = true
			na := strings.TrimSpace(line[len("NEW_APPROACH:"):])
			if !strings.EqualFold(na, "none") {
				refl.NewApproach = na
			}
		}
	}

	if !sawAny {
		return Reflection{Success: true, Reasoning: "reflection response unparseable"}
	}
	return refl
}

// summarize emits the final transcript: completed results, a labeled
// failure list, and, when a model is on hand, a synthesized answer.
func (l *Loop) summarize(ctx context.Context, plan *ExecutionPlan, emit protocol.ChunkFunc) {
	var completed []string
	var failed []*SubGoal
	for _, sg := range plan.SubGoals {
		switch sg.Status {
		case StatusCompleted:
			completed = append(completed, sg.Result)
		case StatusFailed:
			failed = append(failed, sg)
		}
	}

	emit(protocol.TextChunk(fmt.Sprintf("\n=== Summary: %d/%d steps completed ===\n",
		len(completed), len(plan.SubGoals))))

	if len(failed) > 0 {
		var sb strings.Builder
		sb.WriteString("\nFailed steps:\n")
		for _, sg := range failed {
			fmt.Fprintf(&sb, "  %d. %s: %s\n", sg.ID, sg.Description, sg.LastError)
		}
		emit(protocol.TextChunk(sb.String()))
	}

	if len(completed) > 1 && l.planner != nil && l.planner.IsAvailable() {
		resp, err := l.planner.Generate(ctx, &model.Request{
			Prompt: prompt.Summary(plan.Goal, completed),
		})
		if err == nil && resp.Text != "" {
			emit(protocol.TextChunk("\n" + resp.Text + "\n"))
		}
	}
}
