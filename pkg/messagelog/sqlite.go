package messagelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/vice/pkg/chat"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteLog is a Log persisted in SQLite
type SQLiteLog struct {
	db     *sql.DB
	logger zerolog.Logger
	locks  *writeLocks
}

var _ Log = (*SQLiteLog)(nil)

// NewSQLiteLog opens (or creates) the message database at path
func NewSQLiteLog(path string, logger zerolog.Logger) (*SQLiteLog, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &SQLiteLog{
		db:     db,
		logger: logger.With().Str("component", "messagelog.sqlite").Logger(),
		locks:  newWriteLocks(),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.logger.Info().Str("path", path).Msg("Message log opened")
	return l, nil
}

func (l *SQLiteLog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			sender TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			file_id TEXT,
			file_name TEXT,
			file_path TEXT,
			file_size INTEGER,
			file_mime TEXT,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, timestamp, id);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, msg *chat.Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	lock := l.locks.get(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var (
		lastSeq int64
		lastTS  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, timestamp FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		msg.SessionID,
	).Scan(&lastSeq, &lastTS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stamp(msg, 0, time.Time{})
	case err != nil:
		return fmt.Errorf("failed to read last message: %w", err)
	default:
		stamp(msg, lastSeq, time.Unix(0, lastTS).UTC())
	}

	var fileID, fileName, filePath, fileMime sql.NullString
	var fileSize sql.NullInt64
	if ref := msg.FileRef; ref != nil {
		fileID = sql.NullString{String: ref.ID, Valid: true}
		fileName = sql.NullString{String: ref.Name, Valid: true}
		filePath = sql.NullString{String: ref.StoredPath, Valid: true}
		fileMime = sql.NullString{String: ref.MimeType, Valid: true}
		fileSize = sql.NullInt64{Int64: ref.Size, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, id, sender, type, content, user_id,
			file_id, file_name, file_path, file_size, file_mime, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Seq, msg.ID, string(msg.Sender), string(msg.Type), msg.Content, msg.UserID,
		fileID, fileName, filePath, fileSize, fileMime, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

const selectColumns = `session_id, seq, id, sender, type, content, user_id,
	file_id, file_name, file_path, file_size, file_mime, timestamp`

func (l *SQLiteLog) ListSince(ctx context.Context, sessionID, afterID string, limit int) ([]chat.Message, error) {
	after, err := chat.ParseMessageID(afterID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE session_id = ? AND seq > ?
		 ORDER BY timestamp, id LIMIT ?`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return scanMessages(rows)
}

func (l *SQLiteLog) Tail(ctx context.Context, sessionID string, n int) ([]chat.Message, error) {
	if n <= 0 {
		return []chat.Message{}, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+selectColumns+` FROM messages
			WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY timestamp, id`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tail messages: %w", err)
	}
	return scanMessages(rows)
}

func (l *SQLiteLog) Page(ctx context.Context, sessionID string, page, perPage int) (Page, error) {
	page, perPage = normalizePage(page, perPage)

	var total int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("failed to count messages: %w", err)
	}

	start, end := pageBounds(total, page, perPage)
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE session_id = ? ORDER BY timestamp, id LIMIT ? OFFSET ?`,
		sessionID, end-start, start,
	)
	if err != nil {
		return Page{}, fmt.Errorf("failed to page messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Messages: msgs,
		Page:     page,
		PerPage:  perPage,
		Total:    total,
		HasMore:  start > 0,
	}, nil
}

func (l *SQLiteLog) DeleteSession(ctx context.Context, sessionID string) error {
	lock := l.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()
	defer l.locks.release(sessionID)

	if _, err := l.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m                                    chat.Message
			sender, msgType                      string
			fileID, fileName, filePath, fileMime sql.NullString
			fileSize                             sql.NullInt64
			ts                                   int64
		)
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.ID, &sender, &msgType, &m.Content, &m.UserID,
			&fileID, &fileName, &filePath, &fileSize, &fileMime, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = chat.Sender(sender)
		m.Type = chat.MessageType(msgType)
		m.Timestamp = time.Unix(0, ts).UTC()
		if fileID.Valid {
			m.FileRef = &chat.FileRef{
				ID:         fileID.String,
				Name:       fileName.String,
				StoredPath: filePath.String,
				Size:       fileSize.Int64,
				MimeType:   fileMime.String,
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}
