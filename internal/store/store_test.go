package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "hub.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, filepath.Join(dir, "handoffs"))
	require.NoError(t, err)
	return s
}

func TestSendAndReadMarksRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &m.Message{ID: "m1", From: "alice", To: "bob", Kind: m.KindMessage, Content: "Hello Bob", Timestamp: time.Now().UTC()}
	require.NoError(t, s.Append(ctx, msg))

	count, err := s.CountUnread(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = s.CountUnread(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, count, "count_unread must be idempotent between sends")

	msgs, err := s.GetAll(ctx, "bob", GetAllPage{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "alice", msgs[0].From)
	require.Equal(t, "Hello Bob", msgs[0].Content)
	require.True(t, msgs[0].Read)

	count, err = s.CountUnread(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestHandoffPersistsJournalAndIsBoundByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := &m.HandoffPayload{
		Goal:               "Build REST API",
		AcceptanceCriteria: []string{"Endpoints respond"},
		RunCommands:        []string{"echo ok"},
		BlockedBy:          []string{"none"},
	}
	msg := &m.Message{ID: "h1", From: "claude", To: "codex", Kind: m.KindHandoff, Content: "handoff", Timestamp: time.Now().UTC(), Payload: payload}
	require.NoError(t, s.Append(ctx, msg))
	require.FileExists(t, filepath.Join(s.journalDir, "h1.json"))

	got, err := s.HandoffPayloadByID(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "Build REST API", got.Goal)

	_, err = s.HandoffPayloadByID(ctx, "nonexistent")
	require.Error(t, err)
}

func TestSearchKnowledgeSanitizesQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IndexKnowledge(ctx, KnowledgeEntry{
		ID: "k1", Category: CategoryDecisionNote, Title: "Retry policy", Content: "use exponential backoff",
	}))

	results, err := s.SearchKnowledge(ctx, "backoff", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	empty, err := s.SearchKnowledge(ctx, `"` + `"`, 10)
	require.NoError(t, err)
	require.Empty(t, empty, "a degenerate quote-only query must return zero results, never the full corpus")

	none, err := s.SearchKnowledge(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestArchiveOlderThanMovesJournalFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := &m.HandoffPayload{Goal: "old task", AcceptanceCriteria: []string{"x"}, RunCommands: []string{"x"}, BlockedBy: []string{"none"}}
	old := &m.Message{ID: "h-old", From: "a", To: "b", Kind: m.KindHandoff, Content: "h", Timestamp: time.Now().UTC().AddDate(0, 0, -40), Payload: payload}
	require.NoError(t, s.Append(ctx, old))

	n, err := s.ArchiveOlderThan(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.FileExists(t, filepath.Join(s.archiveDir, "h-old.json"))
	require.NoFileExists(t, filepath.Join(s.journalDir, "h-old.json"))

	count, err := s.CountUnread(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 0, count, "archived messages must not count as unread")
}
