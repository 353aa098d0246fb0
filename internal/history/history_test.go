package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", "user", "list tables"))
	require.NoError(t, s.Append(ctx, "sess-1", "assistant", "42 tables"))
	require.NoError(t, s.Append(ctx, "sess-2", "user", "unrelated"))

	msgs, err := s.Messages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "list tables", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestMessagesLimitKeepsMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append(ctx, "sess", "user", content))
	}

	msgs, err := s.Messages(ctx, "sess", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}

func TestAppendClosedStoreFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Append(context.Background(), "sess", "user", "too late")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeHistoryWriteFailed, apperrors.GetCode(err))
}

func TestSessionsMostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", "user", "x"))
	require.NoError(t, s.Append(ctx, "b", "user", "y"))
	require.NoError(t, s.Append(ctx, "a", "user", "z"))

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)
}
