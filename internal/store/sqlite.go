// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// seq gives transcript entries a stable total order even when several
// entries of one batch share a timestamp.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transcript (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			conversation_key TEXT NOT NULL,
			session_id       TEXT NOT NULL,
			direction        TEXT NOT NULL,
			sender           TEXT NOT NULL,
			text             TEXT NOT NULL,
			text_format      TEXT,
			created_at       TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_transcript_conversation
			ON transcript(conversation_key, seq);

		CREATE INDEX IF NOT EXISTS idx_transcript_created
			ON transcript(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('transcript') WHERE name = 'locale'`,
			apply:  `ALTER TABLE transcript ADD COLUMN locale TEXT`,
			column: "locale",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to transcript: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "transcript")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEntries inserts entries in order within one transaction.
// Entries missing an ID or timestamp get them filled in.
func (s *SQLiteStore) AppendEntries(ctx context.Context, entries []*TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transcript (id, conversation_key, session_id, direction, sender, text, text_format, locale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, query,
			entry.ID,
			entry.ConversationKey,
			entry.SessionID,
			entry.Direction,
			entry.Sender,
			entry.Text,
			entry.TextFormat,
			entry.Locale,
			entry.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("inserting transcript entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transcript entries: %w", err)
	}

	s.logger.Debug("recorded transcript entries",
		"conversation_key", entries[0].ConversationKey,
		"count", len(entries))
	return nil
}

// History returns the newest entries for a conversation in chronological
// order. If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) History(ctx context.Context, conversationKey string, limit int) ([]*TranscriptEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	// Newest window first, then reversed so callers read oldest-to-newest.
	query := `
		SELECT id, conversation_key, session_id, direction, sender, text, text_format, locale, created_at
		FROM transcript
		WHERE conversation_key = ?
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*TranscriptEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Conversation summarizes one conversation's transcript.
// Returns ErrNotFound if the key has never appeared.
func (s *SQLiteStore) Conversation(ctx context.Context, conversationKey string) (*ConversationInfo, error) {
	query := `
		SELECT
			conversation_key,
			(SELECT session_id FROM transcript t2
			 WHERE t2.conversation_key = t1.conversation_key
			 ORDER BY t2.seq DESC LIMIT 1),
			COUNT(*),
			MIN(created_at),
			MAX(created_at)
		FROM transcript t1
		WHERE conversation_key = ?
		GROUP BY conversation_key
	`

	info, err := scanInfo(s.db.QueryRowContext(ctx, query, conversationKey))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return info, nil
}

// Conversations lists known conversations by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) Conversations(ctx context.Context, limit int) ([]*ConversationInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT
			conversation_key,
			(SELECT session_id FROM transcript t2
			 WHERE t2.conversation_key = t1.conversation_key
			 ORDER BY t2.seq DESC LIMIT 1),
			COUNT(*),
			MIN(created_at),
			MAX(created_at)
		FROM transcript t1
		GROUP BY conversation_key
		ORDER BY MAX(seq) DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var infos []*ConversationInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return infos, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*TranscriptEntry, error) {
	var entry TranscriptEntry
	var textFormat, locale sql.NullString
	var createdAtStr string

	err := row.Scan(
		&entry.ID,
		&entry.ConversationKey,
		&entry.SessionID,
		&entry.Direction,
		&entry.Sender,
		&entry.Text,
		&textFormat,
		&locale,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning transcript entry: %w", err)
	}

	entry.TextFormat = textFormat.String
	entry.Locale = locale.String
	entry.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &entry, nil
}

func scanInfo(row rowScanner) (*ConversationInfo, error) {
	var info ConversationInfo
	var firstAtStr, lastAtStr string

	err := row.Scan(
		&info.ConversationKey,
		&info.SessionID,
		&info.Messages,
		&firstAtStr,
		&lastAtStr,
	)
	if err != nil {
		return nil, err
	}

	info.FirstAt, err = time.Parse(time.RFC3339, firstAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing first_at: %w", err)
	}
	info.LastAt, err = time.Parse(time.RFC3339, lastAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_at: %w", err)
	}
	return &info, nil
}
