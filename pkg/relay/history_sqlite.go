package relay

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/chat"
)

type SQLiteHistory struct {
	db *sql.DB
}

var _ HistoryStore = &SQLiteHistory{}

func NewSQLiteHistory(dsn string) (*SQLiteHistory, error) {
	if dsn == "" {
		return nil, errors.New("sqlite history: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	h := &SQLiteHistory{db: db}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// SQLiteDSNForFile builds a DSN for a database file with WAL journaling and
// a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite history: empty path")
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000", nil
}

func (h *SQLiteHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *SQLiteHistory) Append(ctx context.Context, m chat.Message) error {
	if h == nil || h.db == nil {
		return errors.New("sqlite history: db is nil")
	}
	if err := chat.ValidateMessage(m); err != nil {
		return errors.Wrap(err, "sqlite history")
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO messages (sender, receiver, body, sent_at_ns)
		VALUES (?, ?, ?, ?)
	`, m.Sender, m.Receiver, m.Message, m.Timestamp.UnixNano())
	if err != nil {
		return errors.Wrap(err, "sqlite history: insert message")
	}
	return nil
}

func (h *SQLiteHistory) Conversation(ctx context.Context, a, b string) ([]chat.Message, error) {
	if h == nil || h.db == nil {
		return nil, errors.New("sqlite history: db is nil")
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, errors.New("sqlite history: empty participant")
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT sender, receiver, body, sent_at_ns
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY sent_at_ns ASC, id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history: query conversation")
	}
	defer func() { _ = rows.Close() }()

	out := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var ns int64
		if err := rows.Scan(&m.Sender, &m.Receiver, &m.Message, &ns); err != nil {
			return nil, errors.Wrap(err, "sqlite history: scan message")
		}
		m.Timestamp = time.Unix(0, ns).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history: iterate messages")
	}
	return out, nil
}

func (h *SQLiteHistory) migrate() error {
	if h == nil || h.db == nil {
		return errors.New("sqlite history: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  sender TEXT NOT NULL,
		  receiver TEXT NOT NULL,
		  body TEXT NOT NULL,
		  sent_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_pair
		  ON messages(sender, receiver, sent_at_ns);`,
	}
	for _, st := range stmts {
		if _, err := h.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite history: migrate")
		}
	}
	return nil
}
