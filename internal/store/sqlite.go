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
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		counselor_id TEXT NOT NULL,
		scheduled_at INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		medium TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		cancel_reason TEXT,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_counselor_active
		ON sessions(counselor_id) WHERE status IN ('scheduled', 'rescheduled');
	CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_sequence INTEGER NOT NULL DEFAULT 0,
		UNIQUE(participant_a, participant_b)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(chat_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_id, sequence);

	CREATE TABLE IF NOT EXISTS read_receipts (
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		up_to_sequence INTEGER NOT NULL,
		read_at INTEGER NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, patient_id, counselor_id, scheduled_at, duration_minutes,
       medium, status, notes, cancel_reason, version, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var notes, cancelReason sql.NullString
	var scheduledAt, createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.PatientID, &sess.CounselorID,
		&scheduledAt, &sess.DurationMinutes,
		&sess.Medium, &sess.Status, &notes, &cancelReason,
		&sess.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Notes = notes.String
	sess.CancelReason = cancelReason.String
	sess.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// InsertSession persists a new session.
func (s *SQLiteStore) InsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := shared.WithBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.PatientID, sess.CounselorID,
			sess.ScheduledAt.Unix(), sess.DurationMinutes,
			sess.Medium, sess.Status, nullable(sess.Notes), nullable(sess.CancelReason),
			sess.Version, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession persists a mutated session if the stored version still
// matches expectedVersion.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session, expectedVersion int64) error {
	query := `
	UPDATE sessions SET
		scheduled_at = ?, duration_minutes = ?, status = ?,
		notes = ?, cancel_reason = ?, version = ?, updated_at = ?
	WHERE id = ? AND version = ?`

	var rows int64
	err := shared.WithBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query,
			sess.ScheduledAt.Unix(), sess.DurationMinutes, sess.Status,
			nullable(sess.Notes), nullable(sess.CancelReason),
			sess.Version, sess.UpdatedAt.Unix(),
			sess.ID, expectedVersion,
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", sess.ID, "expected_version", expectedVersion)
		return ErrVersionMismatch
	}
	return nil
}

// ListCounselorActive retrieves the counselor's non-terminal sessions.
func (s *SQLiteStore) ListCounselorActive(ctx context.Context, counselorID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE counselor_id = ? AND status IN ('scheduled', 'rescheduled')`
	return s.querySessions(ctx, query, counselorID)
}

// ListParticipantSessions retrieves every session the user takes part in.
func (s *SQLiteStore) ListParticipantSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE patient_id = ? OR counselor_id = ?`
	return s.querySessions(ctx, query, userID, userID)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// pairKey normalizes an unordered participant pair to a stable column order.
func pairKey(userA, userB string) (string, string) {
	if userB < userA {
		return userB, userA
	}
	return userA, userB
}

// GetChat retrieves a chat by id.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	query := `SELECT id, participant_a, participant_b, created_at, last_sequence
		FROM chats WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	chat, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

func scanChat(row interface{ Scan(...any) error }) (*domain.Chat, error) {
	var chat domain.Chat
	var a, b string
	var createdAt int64
	if err := row.Scan(&chat.ID, &a, &b, &createdAt, &chat.LastSequence); err != nil {
		return nil, err
	}
	chat.ParticipantIDs = []string{a, b}
	chat.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &chat, nil
}

// GetOrCreateChat returns the chat between the two users, creating it on
// first use.
func (s *SQLiteStore) GetOrCreateChat(ctx context.Context, userA, userB string) (*domain.Chat, error) {
	a, b := pairKey(userA, userB)

	insert := `
	INSERT INTO chats (id, participant_a, participant_b, created_at, last_sequence)
	VALUES (?, ?, ?, ?, 0)
	ON CONFLICT(participant_a, participant_b) DO NOTHING`

	err := shared.WithBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, insert, uuid.NewString(), a, b, time.Now().Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	query := `SELECT id, participant_a, participant_b, created_at, last_sequence
		FROM chats WHERE participant_a = ? AND participant_b = ?`
	chat, err := scanChat(s.db.QueryRowContext(ctx, query, a, b))
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

// AppendMessage persists a message and advances the chat's last_sequence in
// the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	err := shared.WithBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, sender_id, content, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChatID, m.SenderID, m.Content, m.Sequence, m.CreatedAt.Unix(),
		)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE chats SET last_sequence = ? WHERE id = ? AND last_sequence < ?`,
			m.Sequence, m.ChatID, m.Sequence,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("chat %s last_sequence did not advance to %d", m.ChatID, m.Sequence)
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MessagesSince retrieves messages with sequence > afterSequence in
// ascending order.
func (s *SQLiteStore) MessagesSince(ctx context.Context, chatID string, afterSequence int64, limit int) ([]*domain.Message, error) {
	query := `SELECT id, chat_id, sender_id, content, sequence, created_at
		FROM messages WHERE chat_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{chatID, afterSequence}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if err := s.attachReadBy(ctx, chatID, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// attachReadBy fills ReadBy from watermark receipts for the chat.
func (s *SQLiteStore) attachReadBy(ctx context.Context, chatID string, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, up_to_sequence FROM read_receipts WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("query read receipts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close receipt rows", "error", closeErr)
		}
	}()

	watermarks := make(map[string]int64)
	for rows.Next() {
		var userID string
		var upTo int64
		if err := rows.Scan(&userID, &upTo); err != nil {
			return fmt.Errorf("scan receipt row: %w", err)
		}
		watermarks[userID] = upTo
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate receipts: %w", err)
	}

	for _, m := range messages {
		for userID, upTo := range watermarks {
			if m.Sequence <= upTo {
				m.ReadBy = append(m.ReadBy, userID)
			}
		}
	}
	return nil
}

// MarkRead records a read watermark; lower watermarks never regress the
// stored one.
func (s *SQLiteStore) MarkRead(ctx context.Context, r domain.ReadReceipt) error {
	query := `
	INSERT INTO read_receipts (chat_id, user_id, up_to_sequence, read_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chat_id, user_id) DO UPDATE SET
		up_to_sequence = MAX(excluded.up_to_sequence, read_receipts.up_to_sequence),
		read_at = excluded.read_at`

	err := shared.WithBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, r.ChatID, r.UserID, r.UpToSequence, r.ReadAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ListUserChats retrieves every chat the user participates in.
func (s *SQLiteStore) ListUserChats(ctx context.Context, userID string) ([]*domain.Chat, error) {
	query := `SELECT id, participant_a, participant_b, created_at, last_sequence
		FROM chats WHERE participant_a = ? OR participant_b = ?`

	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	var chats []*domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
