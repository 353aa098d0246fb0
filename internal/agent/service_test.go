package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/loop"
	"github.com/conduit-ai/conduit/internal/model"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/internal/stats"
	"github.com/conduit-ai/conduit/internal/subagent"
	"github.com/conduit-ai/conduit/pkg/protocol"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDelegate replays one response and records instructions.
type fakeDelegate struct {
	instructions []string
	response     string
	err          error
}

func (f *fakeDelegate) Execute(ctx context.Context, instruction string) (string, error) {
	f.instructions = append(f.instructions, instruction)
	return f.response, f.err
}

func (f *fakeDelegate) Stream(ctx context.Context, instruction string, emit protocol.ChunkFunc) error {
	f.instructions = append(f.instructions, instruction)
	if f.err != nil {
		return f.err
	}
	emit(protocol.TextChunk(f.response))
	return nil
}

type fakeModel struct{ response string }

func (f *fakeModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Text: f.response}, nil
}
func (f *fakeModel) IsAvailable() bool { return true }
func (f *fakeModel) Name() string      { return "fake" }

func newTestService(t *testing.T, d protocol.Delegate, servers ...string) (*Service, *cache.Cache) {
	t.Helper()
	c := cache.Open(filepath.Join(t.TempDir(), "cache.json"), zap.NewNop())
	registry := subagent.NewRegistry()
	for _, name := range servers {
		registry.Register(subagent.New(name, d, zap.NewNop()))
	}
	svc := NewService(Config{
		Cache:    c,
		Router:   router.New(registry, &fakeModel{}, zap.NewNop()),
		Loop:     loop.New(d, &fakeModel{response: "no plan"}, servers, loop.DefaultConfig(), zap.NewNop()),
		Delegate: d,
		Registry: registry,
		Stats:    stats.NewCollector(),
		Log:      zap.NewNop(),
	})
	return svc, c
}

func TestDirectModeStoresAndServesFromCache(t *testing.T) {
	d := &fakeDelegate{response: "42 tables"}
	svc, _ := newTestService(t, d)
	ctx := context.Background()

	// Miss: direct backend call, response stored.
	out, err := svc.Ask(ctx, "List all tables in the database", Options{})
	require.NoError(t, err)
	assert.Equal(t, "42 tables", out)
	require.Len(t, d.instructions, 1)

	// Fresh entries are gated until rated up.
	out, err = svc.Ask(ctx, "list all tables in the database ", Options{})
	require.NoError(t, err)
	assert.Equal(t, "42 tables", out)
	assert.Len(t, d.instructions, 2, "ungated entry must not be served yet")

	svc.Rate("List all tables in the database", cache.RatingUp)

	// Hit: padded and case-shifted variant, no delegate call.
	out, err = svc.Ask(ctx, "  LIST ALL TABLES in the database", Options{})
	require.NoError(t, err)
	assert.Equal(t, "42 tables", out)
	assert.Len(t, d.instructions, 2, "cache hit must not reach the delegate")

	cs := svc.CacheStats()
	assert.Equal(t, 1, cs.CacheHits)
}

func TestRuntimeStatsTrackQueries(t *testing.T) {
	d := &fakeDelegate{response: "42 tables"}
	svc, _ := newTestService(t, d)
	ctx := context.Background()

	_, err := svc.Ask(ctx, "list all tables", Options{})
	require.NoError(t, err)
	svc.Rate("list all tables", cache.RatingUp)
	_, err = svc.Ask(ctx, "list all tables", Options{})
	require.NoError(t, err)

	rs := svc.RuntimeStats()
	require.NotNil(t, rs)
	assert.Equal(t, int64(2), rs.QueryCount)
	assert.Equal(t, int64(1), rs.CacheHits)
	assert.Equal(t, int64(0), rs.ErrorCount)

	bare := NewService(Config{Delegate: d, Log: zap.NewNop()})
	assert.Nil(t, bare.RuntimeStats())
}

func TestNetNegativeFeedbackForcesFreshProcessing(t *testing.T) {
	d := &fakeDelegate{response: "old answer"}
	svc, _ := newTestService(t, d)
	ctx := context.Background()

	_, err := svc.Ask(ctx, "show users", Options{})
	require.NoError(t, err)
	svc.Rate("show users", cache.RatingUp)

	// Served from cache while net positive.
	_, err = svc.Ask(ctx, "show users", Options{})
	require.NoError(t, err)
	assert.Len(t, d.instructions, 1)

	// Two downs make it net negative: fresh processing again.
	svc.Rate("show users", cache.RatingDown)
	svc.Rate("show users", cache.RatingDown)

	_, err = svc.Ask(ctx, "show users", Options{})
	require.NoError(t, err)
	assert.Len(t, d.instructions, 2, "net-negative entry must trigger a backend call")
}

func TestDirectModeAppliesServerRestriction(t *testing.T) {
	d := &fakeDelegate{response: "ok"}
	svc, _ := newTestService(t, d)

	_, err := svc.Ask(context.Background(), "list tables", Options{Server: "postgres"})
	require.NoError(t, err)
	require.Len(t, d.instructions, 1)
	assert.Equal(t, "[Use only postgres MCP server] list tables", d.instructions[0])
}

func TestCacheKeyedByOriginalQueryNotRestricted(t *testing.T) {
	d := &fakeDelegate{response: "ok"}
	svc, c := newTestService(t, d)

	_, err := svc.Ask(context.Background(), "list tables", Options{Server: "postgres"})
	require.NoError(t, err)
	c.Rate("list tables", cache.RatingUp)

	entry := c.Lookup("list tables", "")
	require.NotNil(t, entry, "entry must be stored under the unrestricted query text")
	assert.Equal(t, "ok", entry.Response)
}

func TestMultiAgentModeRoutes(t *testing.T) {
	d := &fakeDelegate{response: "routed answer"}
	svc, _ := newTestService(t, d, "postgres")

	out, err := svc.Ask(context.Background(), "count users", Options{MultiAgent: true})
	require.NoError(t, err)
	assert.Contains(t, out, "routed answer")
	require.Len(t, d.instructions, 1)
	assert.True(t, strings.HasPrefix(d.instructions[0], "[Use only postgres MCP server] "),
		"router must bind the task to the single backend")
}

func TestMultiAgentFallsBackToDirectOnRouterError(t *testing.T) {
	d := &fakeDelegate{err: errors.New("stream broke")}
	svc, _ := newTestService(t, d, "postgres")

	// Router's primary stream fails; direct mode then fails the same
	// way, and a non-recursion error propagates.
	_, err := svc.Ask(context.Background(), "count users", Options{MultiAgent: true})
	require.Error(t, err)
	assert.Len(t, d.instructions, 2, "router attempt then direct attempt")
}

func TestMultiAgentSkippedWhenServerRestricted(t *testing.T) {
	d := &fakeDelegate{response: "ok"}
	svc, _ := newTestService(t, d, "postgres", "github")

	_, err := svc.Ask(context.Background(), "count users",
		Options{MultiAgent: true, Server: "github"})
	require.NoError(t, err)
	require.Len(t, d.instructions, 1)
	assert.Equal(t, "[Use only github MCP server] count users", d.instructions[0])
}

func TestReasoningExhaustionRewrittenNotPropagated(t *testing.T) {
	d := &fakeDelegate{err: apperrors.Permanent(apperrors.CodeStepBudgetExceeded,
		"agent exceeded maximum reasoning steps (recursion limit reached)")}
	svc, c := newTestService(t, d)

	out, err := svc.Ask(context.Background(), "do something impossible", Options{})
	require.NoError(t, err, "reasoning exhaustion must be explained, not raised")
	assert.Contains(t, out, "reasoning step limit")
	assert.Contains(t, out, "recursion limit reached", "original message must be appended")

	c.Rate("do something impossible", cache.RatingUp)
	assert.Nil(t, c.Lookup("do something impossible", ""),
		"failure explanations must not be cached")
}

func TestAgenticModeRunsLoop(t *testing.T) {
	d := &fakeDelegate{response: "loop result"}
	svc, _ := newTestService(t, d, "postgres")

	out, err := svc.Ask(context.Background(), "multi step goal", Options{Agentic: true})
	require.NoError(t, err)
	assert.Contains(t, out, "Plan (1 steps)")
	assert.Contains(t, out, "loop result")
}

func TestCacheHitRecordedInHistoryPath(t *testing.T) {
	d := &fakeDelegate{response: "resp"}
	svc, _ := newTestService(t, d)
	ctx := context.Background()

	_, err := svc.Ask(ctx, "q", Options{SessionID: "sess-1"})
	require.NoError(t, err)
	svc.Rate("q", cache.RatingUp)

	_, err = svc.Ask(ctx, "q", Options{SessionID: "sess-2"})
	require.NoError(t, err)

	entry := svc.cache.Lookup("q", "")
	require.NotNil(t, entry)
	assert.Contains(t, entry.Sessions, "sess-2")
}
