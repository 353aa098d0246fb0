package router

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/internal/model"
	"github.com/conduit-ai/conduit/internal/subagent"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDelegate replays per-backend responses based on the restriction
// directive in the instruction.
type fakeDelegate struct {
	responses map[string]string // backend -> response
	failFor   string            // backend whose calls error
	calls     atomic.Int32
}

func (f *fakeDelegate) backend(instruction string) string {
	for name := range f.responses {
		if strings.HasPrefix(instruction, protocol.RestrictionPrefix(name)) {
			return name
		}
	}
	if f.failFor != "" && strings.HasPrefix(instruction, protocol.RestrictionPrefix(f.failFor)) {
		return f.failFor
	}
	return ""
}

func (f *fakeDelegate) Execute(ctx context.Context, instruction string) (string, error) {
	f.calls.Add(1)
	name := f.backend(instruction)
	if name == f.failFor {
		return "", errors.New("backend exploded")
	}
	return f.responses[name], nil
}

func (f *fakeDelegate) Stream(ctx context.Context, instruction string, emit protocol.ChunkFunc) error {
	f.calls.Add(1)
	name := f.backend(instruction)
	if name == f.failFor {
		return errors.New("backend exploded")
	}
	emit(protocol.StatusChunk("thinking"))
	for _, word := range strings.SplitAfter(f.responses[name], " ") {
		emit(protocol.TextChunk(word))
	}
	return nil
}

// fakeModel returns a canned plan and counts invocations.
type fakeModel struct {
	response string
	err      error
	calls    atomic.Int32
}

func (f *fakeModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Text: f.response}, nil
}

func (f *fakeModel) IsAvailable() bool { return true }
func (f *fakeModel) Name() string      { return "fake" }

func newRegistry(d protocol.Delegate, names ...string) *subagent.Registry {
	r := subagent.NewRegistry()
	for _, n := range names {
		r.Register(subagent.New(n, d, zap.NewNop()))
	}
	return r
}

func TestAnalyzeSingleBackendSkipsModel(t *testing.T) {
	m := &fakeModel{response: "should not be called"}
	r := New(newRegistry(&fakeDelegate{}, "postgres"), m, zap.NewNop())

	plan := r.Analyze(context.Background(), "list tables")

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "postgres", plan.Tasks[0].Agent)
	assert.Equal(t, "list tables", plan.Tasks[0].Query)
	assert.False(t, plan.Parallel)
	assert.Equal(t, int32(0), m.calls.Load(), "fast path must not invoke the model")
}

func TestAnalyzeParsesModelPlan(t *testing.T) {
	m := &fakeModel{response: "Here is the plan:\n```json\n" + `{
		"tasks": [
			{"agent": "postgres", "query": "count users", "priority": 1},
			{"agent": "github", "query": "list open issues", "priority": 2}
		],
		"parallel": true,
		"reasoning": "independent sources"
	}` + "\n```"}
	r := New(newRegistry(&fakeDelegate{}, "postgres", "github"), m, zap.NewNop())

	plan := r.Analyze(context.Background(), "count users and list issues")

	require.Len(t, plan.Tasks, 2)
	assert.True(t, plan.Parallel)
	assert.Equal(t, "independent sources", plan.Reasoning)
	assert.Equal(t, "github", plan.Tasks[1].Agent)
}

func TestAnalyzeDiscardsUnavailableBackends(t *testing.T) {
	m := &fakeModel{response: `{"tasks": [
		{"agent": "bigquery", "query": "whatever", "priority": 1},
		{"agent": "jira", "query": "whatever", "priority": 1}
	], "parallel": true}`}
	r := New(newRegistry(&fakeDelegate{}, "postgres", "github"), m, zap.NewNop())

	plan := r.Analyze(context.Background(), "do things")

	// All tasks invalid: fall back to single task on the first backend.
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "postgres", plan.Tasks[0].Agent)
	assert.Equal(t, "do things", plan.Tasks[0].Query)
}

func TestAnalyzeModelFailureFallsBack(t *testing.T) {
	m := &fakeModel{err: errors.New("model down")}
	r := New(newRegistry(&fakeDelegate{}, "postgres", "github"), m, zap.NewNop())

	plan := r.Analyze(context.Background(), "anything")

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "postgres", plan.Tasks[0].Agent)
}

func TestAnalyzeGarbageResponseFallsBack(t *testing.T) {
	m := &fakeModel{response: "I cannot produce a plan, sorry."}
	r := New(newRegistry(&fakeDelegate{}, "postgres", "github"), m, zap.NewNop())

	plan := r.Analyze(context.Background(), "anything")

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "postgres", plan.Tasks[0].Agent)
}

func TestExecuteParallelIsolatesFailures(t *testing.T) {
	d := &fakeDelegate{
		responses: map[string]string{"postgres": "42 users"},
		failFor:   "github",
	}
	m := &fakeModel{response: `{"tasks": [
		{"agent": "postgres", "query": "count users", "priority": 1},
		{"agent": "github", "query": "list issues", "priority": 1}
	], "parallel": true}`}
	r := New(newRegistry(d, "postgres", "github"), m, zap.NewNop())

	merged, err := r.Execute(context.Background(), "count users and list issues")
	require.NoError(t, err)

	assert.True(t, merged.Success, "one success is enough")
	assert.Contains(t, merged.Response, "42 users")
	assert.Contains(t, merged.Response, "**github Agent** failed")
	assert.Equal(t, []string{"postgres"}, merged.AgentsUsed)
}

func TestExecuteMergesBothBackends(t *testing.T) {
	d := &fakeDelegate{responses: map[string]string{
		"postgres": "42 users",
		"github":   "3 open issues",
	}}
	m := &fakeModel{response: `{"tasks": [
		{"agent": "postgres", "query": "count users", "priority": 1},
		{"agent": "github", "query": "list issues", "priority": 1}
	], "parallel": true}`}
	r := New(newRegistry(d, "postgres", "github"), m, zap.NewNop())

	merged, err := r.Execute(context.Background(), "count users and list issues")
	require.NoError(t, err)

	assert.True(t, merged.Success)
	assert.Contains(t, merged.Response, "**postgres Agent**")
	assert.Contains(t, merged.Response, "**github Agent**")
	assert.ElementsMatch(t, []string{"postgres", "github"}, merged.AgentsUsed)
	assert.GreaterOrEqual(t, merged.TotalTime, 0.0)
}

func TestExecuteNoBackends(t *testing.T) {
	r := New(subagent.NewRegistry(), &fakeModel{}, zap.NewNop())

	_, err := r.Execute(context.Background(), "anything")
	assert.Error(t, err)
}

func TestStreamPrimaryThenAppended(t *testing.T) {
	d := &fakeDelegate{responses: map[string]string{
		"postgres": "one two three",
		"github":   "issue list",
	}}
	m := &fakeModel{response: `{"tasks": [
		{"agent": "postgres", "query": "count", "priority": 1},
		{"agent": "github", "query": "issues", "priority": 2}
	], "parallel": false}`}
	r := New(newRegistry(d, "postgres", "github"), m, zap.NewNop())

	var text strings.Builder
	var statuses []string
	err := r.Stream(context.Background(), "count and issues", func(c protocol.Chunk) {
		if c.Status != "" {
			statuses = append(statuses, c.Status)
			return
		}
		text.WriteString(c.Text)
	})
	require.NoError(t, err)

	out := text.String()
	assert.True(t, strings.HasPrefix(out, "one two three"),
		"primary stream comes first, got %q", out)
	assert.Contains(t, out, "Additional results:")
	assert.Contains(t, out, "issue list")
	assert.NotContains(t, out, "thinking", "delegate status fragments must be dropped from text")
	require.NotEmpty(t, statuses)
}

func TestStreamPrimaryErrorPropagates(t *testing.T) {
	d := &fakeDelegate{failFor: "postgres"}
	r := New(newRegistry(d, "postgres"), nil, zap.NewNop())

	err := r.Stream(context.Background(), "anything", func(protocol.Chunk) {})
	assert.Error(t, err)
}

func TestParsePlanRejectsNonJSON(t *testing.T) {
	for _, raw := range []string{"", "no braces here", "{truncated"} {
		_, err := parsePlan(raw, []string{"postgres"})
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestMergeTotalTimeSumsSuccessfulTasks(t *testing.T) {
	r := New(subagent.NewRegistry(), nil, zap.NewNop())
	merged := r.merge([]*subagent.Result{
		{Agent: "postgres", Success: true, Result: "a", Elapsed: 1500 * time.Millisecond},
		{Agent: "github", Success: true, Result: "b", Elapsed: 500 * time.Millisecond},
		{Agent: "filesystem", Error: "nope", Elapsed: 9 * time.Second},
	})

	assert.InDelta(t, 2.0, merged.TotalTime, 1e-9)
	assert.True(t, merged.Success)
	assert.Len(t, merged.AgentsUsed, 2)
}
