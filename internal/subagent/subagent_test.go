package subagent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/pkg/protocol"
)

// fakeDelegate records instructions and replays canned responses.
type fakeDelegate struct {
	lastInstruction string
	response        string
	err             error
}

func (f *fakeDelegate) Execute(ctx context.Context, instruction string) (string, error) {
	f.lastInstruction = instruction
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeDelegate) Stream(ctx context.Context, instruction string, emit protocol.ChunkFunc) error {
	f.lastInstruction = instruction
	if f.err != nil {
		return f.err
	}
	for _, word := range strings.SplitAfter(f.response, " ") {
		emit(protocol.TextChunk(word))
	}
	return nil
}

func TestExecuteRestrictsToBackend(t *testing.T) {
	d := &fakeDelegate{response: "3 tables found"}
	a := New("postgres", d, zap.NewNop())

	res := a.Execute(context.Background(), "list tables")

	require.True(t, res.Success)
	assert.Equal(t, "3 tables found", res.Result)
	assert.Equal(t, "postgres", res.Agent)
	assert.Equal(t, "[Use only postgres MCP server] list tables", d.lastInstruction)
	assert.True(t, strings.HasPrefix(res.TaskID, "postgres-"))
	assert.GreaterOrEqual(t, res.Elapsed.Nanoseconds(), int64(0))
}

func TestExecuteCapturesDelegateFailure(t *testing.T) {
	d := &fakeDelegate{err: errors.New("connection refused")}
	a := New("github", d, zap.NewNop())

	res := a.Execute(context.Background(), "list issues")

	assert.False(t, res.Success)
	assert.Empty(t, res.Result)
	assert.Contains(t, res.Error, "connection refused")
}

func TestStreamForwardsChunksAndErrors(t *testing.T) {
	d := &fakeDelegate{response: "alpha beta gamma"}
	a := New("filesystem", d, zap.NewNop())

	var got strings.Builder
	err := a.Stream(context.Background(), "find configs", func(c protocol.Chunk) {
		got.WriteString(c.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha beta gamma", got.String())
	assert.Equal(t, "[Use only filesystem MCP server] find configs", d.lastInstruction)

	d.err = errors.New("stream broke")
	err = a.Stream(context.Background(), "find configs", func(protocol.Chunk) {})
	assert.Error(t, err, "stream must not suppress delegate errors")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d := &fakeDelegate{}
	r.Register(New("postgres", d, nil))
	r.Register(New("github", d, nil))

	assert.Equal(t, []string{"postgres", "github"}, r.List())
	assert.Equal(t, 2, r.Len())

	a, ok := r.Get("github")
	require.True(t, ok)
	assert.Equal(t, "github", a.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}
