package trust

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/hubd/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hub.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestRecordCompletionUpdatesTrustScoreWithinBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCompletion(ctx, CompletionOutcome{Account: "codex", Accepted: true, CompletionTimeMs: 60000}))
	}

	rep, err := s.Get(ctx, "codex")
	require.NoError(t, err)
	require.GreaterOrEqual(t, rep.TrustScore, 0.0)
	require.LessOrEqual(t, rep.TrustScore, 100.0)
	require.Equal(t, 1.0, rep.AcceptanceRate)
}

func TestQuarantinedAgentExcludedFromSuggestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCompletion(ctx, CompletionOutcome{Account: "codex", Accepted: true}))
	require.NoError(t, s.Quarantine(ctx, "codex", time.Now().Add(time.Hour)))

	suggestions, err := s.SuggestAssignee(ctx, nil, []Candidate{{Account: "codex"}, {Account: "claude"}})
	require.NoError(t, err)
	for _, sug := range suggestions {
		require.NotEqual(t, "codex", sug.Account)
	}
}

func TestSuggestAssigneeRanksBySkillMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	suggestions, err := s.SuggestAssignee(ctx, []string{"go", "sql"}, []Candidate{
		{Account: "full-match", Capabilities: []string{"go", "sql", "rust"}},
		{Account: "no-match", Capabilities: []string{"python"}},
	})
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	require.Equal(t, "full-match", suggestions[0].Account)
	require.Greater(t, suggestions[0].SkillMatch, suggestions[1].SkillMatch)
}

func TestExcludedAccountNeverSuggested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	suggestions, err := s.SuggestAssignee(ctx, nil, []Candidate{{Account: "codex", Excluded: true}})
	require.NoError(t, err)
	require.Empty(t, suggestions)
}
