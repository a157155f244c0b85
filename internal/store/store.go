// Package store implements the durable message/handoff inbox, the
// on-disk handoff journal, archiving, and full-text search over
// knowledge entries (spec.md §4.D).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/hubd/internal/apierr"
	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/storage"
)

// Store is the daemon-owned aggregate for messages, handoffs, and
// knowledge entries. One Store is constructed per daemon instance and
// passed to handlers by reference (spec.md §9).
type Store struct {
	db           *storage.DB
	journalDir   string
	archiveDir   string
}

// New opens a Store backed by db, keeping handoff journal files under
// journalDir (with an archive/ subdirectory for archived handoffs).
func New(db *storage.DB, journalDir string) (*Store, error) {
	archiveDir := filepath.Join(journalDir, "archive")
	if err := os.MkdirAll(journalDir, 0o700); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "create handoff journal dir", err)
	}
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "create handoff archive dir", err)
	}
	return &Store{db: db, journalDir: journalDir, archiveDir: archiveDir}, nil
}

// Append inserts a new message into the recipient's inbox, atomically.
// If msg is a handoff, it is additionally persisted to the content-
// addressed journal under journalDir/<id>.json.
func (s *Store) Append(ctx context.Context, msg *m.Message) error {
	contextJSON, err := marshalOrEmpty(msg.Context)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal message context", err)
	}
	payloadJSON, err := marshalOrEmpty(msg.Payload)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal handoff payload", err)
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO messages
			(id, from_account, to_account, kind, content, timestamp, read, context, payload, archived)
			VALUES (?,?,?,?,?,?,0,?,?,0)`,
			msg.ID, msg.From, msg.To, string(msg.Kind), msg.Content, msg.Timestamp.UTC().Format(time.RFC3339Nano), contextJSON, payloadJSON)
		if execErr != nil {
			return apierr.Wrap(apierr.KindIO, "insert message", execErr)
		}

		if msg.Kind == m.KindHandoff && msg.Payload != nil {
			_, execErr = tx.ExecContext(ctx, `INSERT INTO handoffs (id, task_id, message_id, payload, archived)
				VALUES (?,?,?,?,0)`, msg.ID, msg.ID, msg.ID, payloadJSON)
			if execErr != nil {
				return apierr.Wrap(apierr.KindIO, "insert handoff row", execErr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if msg.Kind == m.KindHandoff && msg.Payload != nil {
		if err := s.writeJournal(msg.ID, msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeJournal(handoffID string, payload *m.HandoffPayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal journal entry", err)
	}
	path := filepath.Join(s.journalDir, handoffID+".json")
	if err := storage.WriteOnce(path, data); err != nil {
		return err
	}
	return nil
}

func marshalOrEmpty(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GetUnread returns the recipient's unread messages, oldest first.
func (s *Store) GetUnread(ctx context.Context, account string) ([]*m.Message, error) {
	rows, err := s.db.Read.QueryContext(ctx, `SELECT id, from_account, to_account, kind, content, timestamp, read, context, payload
		FROM messages WHERE to_account = ? AND archived = 0 AND read = 0 ORDER BY timestamp ASC`, account)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "query unread messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetAllPage describes pagination for GetAll.
type GetAllPage struct {
	Limit  int
	Offset int
}

// GetAll returns a page of messages for account (most recent first) and,
// when the page is non-empty, marks every unread message of account read,
// including those outside the page, per spec.md §4.B's read_messages
// contract.
func (s *Store) GetAll(ctx context.Context, account string, page GetAllPage) ([]*m.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Read.QueryContext(ctx, `SELECT id, from_account, to_account, kind, content, timestamp, read, context, payload
		FROM messages WHERE to_account = ? AND archived = 0 ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		account, limit, page.Offset)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "query messages", err)
	}
	msgs, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		if err := s.markAllReadLocked(ctx, account); err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			msg.Read = true
		}
	}
	return msgs, nil
}

func (s *Store) markAllReadLocked(ctx context.Context, account string) error {
	_, err := s.db.Write.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE to_account = ? AND archived = 0 AND read = 0`, account)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "mark messages read", err)
	}
	return nil
}

// MarkAllRead marks every unread message for account as read without
// returning them.
func (s *Store) MarkAllRead(ctx context.Context, account string) error {
	return s.markAllReadLocked(ctx, account)
}

// CountUnread is a non-destructive read of how many unread messages an
// account currently has.
func (s *Store) CountUnread(ctx context.Context, account string) (int, error) {
	var count int
	err := s.db.Read.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE to_account = ? AND archived = 0 AND read = 0`, account).Scan(&count)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindIO, "count unread messages", err)
	}
	return count, nil
}

// ArchiveOlderThan archives messages (and any associated handoff
// journal files, moved into archive/) older than the given age in
// days.
func (s *Store) ArchiveOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	rows, err := s.db.Read.QueryContext(ctx, `SELECT id FROM messages WHERE archived = 0 AND timestamp < ? AND kind = 'handoff'`, cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindIO, "query handoffs to archive", err)
	}
	var handoffIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apierr.Wrap(apierr.KindIO, "scan handoff id", err)
		}
		handoffIDs = append(handoffIDs, id)
	}
	rows.Close()

	res, err := s.db.Write.ExecContext(ctx, `UPDATE messages SET archived = 1 WHERE archived = 0 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindIO, "archive messages", err)
	}
	if len(handoffIDs) > 0 {
		placeholders := make([]string, len(handoffIDs))
		args := make([]interface{}, len(handoffIDs))
		for i, id := range handoffIDs {
			placeholders[i] = "?"
			args[i] = id
		}
		query := fmt.Sprintf(`UPDATE handoffs SET archived = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := s.db.Write.ExecContext(ctx, query, args...); err != nil {
			return 0, apierr.Wrap(apierr.KindIO, "archive handoff rows", err)
		}
	}

	for _, id := range handoffIDs {
		src := filepath.Join(s.journalDir, id+".json")
		dst := filepath.Join(s.archiveDir, id+".json")
		if data, readErr := os.ReadFile(src); readErr == nil {
			if writeErr := storage.WriteOnce(dst, data); writeErr == nil {
				os.Remove(src)
			}
		}
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMessages(rows *sql.Rows) ([]*m.Message, error) {
	var out []*m.Message
	for rows.Next() {
		var msg m.Message
		var kind, ts string
		var read int
		var contextJSON, payloadJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &kind, &msg.Content, &ts, &read, &contextJSON, &payloadJSON); err != nil {
			return nil, apierr.Wrap(apierr.KindIO, "scan message row", err)
		}
		msg.Kind = m.MessageKind(kind)
		msg.Read = read != 0
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Timestamp = parsed
		}
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &msg.Context)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			var payload m.HandoffPayload
			if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err == nil {
				msg.Payload = &payload
			}
		}
		out = append(out, &msg)
	}
	return out, nil
}

// HandoffPayloadByID looks up the exact payload bound to a handoff id,
// used by the task engine's receipt-binding logic (spec.md §4.C) to
// avoid ever falling back to a sibling handoff's hash.
func (s *Store) HandoffPayloadByID(ctx context.Context, handoffID string) (*m.HandoffPayload, error) {
	var payloadJSON string
	err := s.db.Read.QueryRowContext(ctx, `SELECT payload FROM handoffs WHERE id = ?`, handoffID).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return nil, apierr.Newf(apierr.KindNotFound, "no handoff journal entry for %s", handoffID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "query handoff payload", err)
	}
	var payload m.HandoffPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "unmarshal handoff payload", err)
	}
	return &payload, nil
}

// KnowledgeCategory is one of the fixed categories for a knowledge
// entry (spec.md §4.D).
type KnowledgeCategory string

const (
	CategoryPrompt      KnowledgeCategory = "prompt"
	CategoryHandoff     KnowledgeCategory = "handoff"
	CategoryTaskEvent   KnowledgeCategory = "task_event"
	CategoryDecisionNote KnowledgeCategory = "decision_note"
	CategoryMessage     KnowledgeCategory = "message"
)

// KnowledgeEntry is one indexed full-text entry.
type KnowledgeEntry struct {
	ID          string
	Category    KnowledgeCategory
	Title       string
	Content     string
	Tags        []string
	AccountName string
	IndexedAt   time.Time
}

// IndexKnowledge inserts or replaces an entry in the full-text index.
func (s *Store) IndexKnowledge(ctx context.Context, entry KnowledgeEntry) error {
	if entry.IndexedAt.IsZero() {
		entry.IndexedAt = time.Now().UTC()
	}
	_, err := s.db.Write.ExecContext(ctx, `INSERT INTO knowledge_entries (id, category, title, content, tags, account_name, indexed_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET category=excluded.category, title=excluded.title, content=excluded.content,
			tags=excluded.tags, account_name=excluded.account_name, indexed_at=excluded.indexed_at`,
		entry.ID, string(entry.Category), entry.Title, entry.Content, strings.Join(entry.Tags, ","), entry.AccountName, entry.IndexedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "index knowledge entry", err)
	}
	return nil
}

// sanitizeFTSQuery quotes each whitespace-separated term so SQLite's
// FTS5 MATCH operator cannot be abused with bare boolean/operator
// syntax, drops degenerate (quote-only) terms, and returns "" when
// nothing usable remains — an empty sanitized query must never fall
// back to matching the entire corpus (spec.md §4.D).
func sanitizeFTSQuery(raw string) string {
	fields := strings.Fields(raw)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		cleaned := strings.Trim(f, `"'`)
		cleaned = strings.ReplaceAll(cleaned, `"`, "")
		if cleaned == "" {
			continue
		}
		terms = append(terms, fmt.Sprintf(`"%s"`, cleaned))
	}
	return strings.Join(terms, " ")
}

// SearchKnowledge runs a sanitized full-text query over indexed
// knowledge entries.
func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeEntry, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Read.QueryContext(ctx, `SELECT k.id, k.category, k.title, k.content, k.tags, k.account_name, k.indexed_at
		FROM knowledge_fts f
		JOIN knowledge_entries k ON k.rowid = f.rowid
		WHERE knowledge_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, sanitized, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "search knowledge entries", err)
	}
	defer rows.Close()

	var out []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		var category, tags, indexedAt string
		if err := rows.Scan(&e.ID, &category, &e.Title, &e.Content, &tags, &e.AccountName, &indexedAt); err != nil {
			return nil, apierr.Wrap(apierr.KindIO, "scan knowledge row", err)
		}
		e.Category = KnowledgeCategory(category)
		if tags != "" {
			e.Tags = strings.Split(tags, ",")
		}
		if parsed, err := time.Parse(time.RFC3339Nano, indexedAt); err == nil {
			e.IndexedAt = parsed
		}
		out = append(out, e)
	}
	return out, nil
}
