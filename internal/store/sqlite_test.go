package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_UserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Unix(1700000000, 0)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "u1", Username: "analyst", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpdateLastSeen(ctx, "u1", now.Add(time.Hour)))

	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "analyst", got.Username)
	assert.Equal(t, now.Add(time.Hour).Unix(), got.LastSeenAt.Unix())
}

func TestSQLiteStore_ChatLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, s.CreateChat(ctx, &domain.Chat{
			ChatID: id, UserID: "u1", DatasetID: "sales.db", Title: id, CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, s.CreateChat(ctx, &domain.Chat{
		ChatID: "other", UserID: "u2", DatasetID: "sales.db", CreatedAt: now, UpdatedAt: now,
	}))

	chats, err := s.ListChats(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	chat, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, chat.OwnedBy("u1"))
	assert.Equal(t, "sales.db", chat.DatasetID)

	require.NoError(t, s.AppendTurn(ctx, &domain.ConversationTurn{
		ID: "t1", ChatID: "c1", Role: domain.RoleUser, Kind: domain.TurnMessage, Content: "hi",
	}))
	require.NoError(t, s.UpsertChatSession(ctx, &domain.ChatSessionState{ChatID: "c1", FollowupDepth: 2}))

	require.NoError(t, s.DeleteChat(ctx, "c1"))

	_, err = s.GetChat(ctx, "c1")
	assert.True(t, errors.Is(err, ErrNotFound))
	turns, err := s.ListTurns(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, turns)
	state, err := s.GetChatSession(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, state)

	assert.ErrorIs(t, s.DeleteChat(ctx, "c1"), ErrNotFound)
}

func TestSQLiteStore_AppendTurnAssignsSequence(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	result := domain.TableResult(&domain.Table{Columns: []string{"n"}, Rows: [][]any{{float64(3)}}})
	turns := []*domain.ConversationTurn{
		{ID: "a", ChatID: "c", Role: domain.RoleUser, Kind: domain.TurnMessage, Content: "count rows"},
		{ID: "b", ChatID: "c", Role: domain.RoleAssistant, Kind: domain.TurnMessage, Content: "```go\n...\n```"},
		{
			ID: "c", ChatID: "c", Role: domain.RoleAssistant, Kind: domain.TurnExecution, Content: "3",
			ExecutionResults: []domain.ExecutionOutcome{{
				Block:   domain.CodeBlock{Code: "x", Language: "go"},
				Success: true,
				Result:  result,
			}},
		},
	}
	for _, turn := range turns {
		require.NoError(t, s.AppendTurn(ctx, turn))
	}
	assert.Equal(t, int64(3), turns[2].Seq)

	got, err := s.ListTurns(ctx, "c")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, turn := range got {
		assert.Equal(t, int64(i+1), turn.Seq)
		assert.Equal(t, turns[i].ID, turn.ID)
	}
	require.Len(t, got[2].ExecutionResults, 1)
	assert.True(t, got[2].ExecutionResults[0].Success)
	assert.Equal(t, domain.ResultTable, got[2].ExecutionResults[0].Result.Kind)
}

func TestSQLiteStore_ConcurrentAppendsStayDense(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AppendTurn(ctx, &domain.ConversationTurn{
				ID: string(rune('a' + i)), ChatID: "c", Role: domain.RoleUser, Kind: domain.TurnMessage,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.ListTurns(ctx, "c")
	require.NoError(t, err)
	require.Len(t, got, n)
	assert.Equal(t, int64(n), got[n-1].Seq)
}

func TestSQLiteStore_ChatSessionCounters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	state := &domain.ChatSessionState{
		ChatID: "c", FollowupDepth: 2, ConsecutiveFailures: 3, Fingerprints: []string{"aa", "bb"},
	}
	require.NoError(t, s.UpsertChatSession(ctx, state))

	state.FollowupDepth = 0
	require.NoError(t, s.UpsertChatSession(ctx, state))

	got, err := s.GetChatSession(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FollowupDepth)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.Equal(t, []string{"aa", "bb"}, got.Fingerprints)

	deleted, err := s.CleanupExpiredSessions(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	require.NoError(t, s.DeleteChatSession(ctx, "c"))
}
