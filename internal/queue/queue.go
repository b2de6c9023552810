// Package queue is a disk-backed message queue with add/get/ack semantics.
// The supervisor core keeps no durable state of its own; this is the
// external collaborator it drains messages from.
package queue

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the queue database at path.
func Open(path string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			error      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	// messages left mid-flight by a previous run go back to pending
	if _, err := db.Exec(`UPDATE messages SET status = ? WHERE status = ?`, StatusPending, StatusProcessing); err != nil {
		logger.Warn("failed to reset in-flight messages", "err", err)
	}

	return &Queue{db: db, logger: logger}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Add enqueues a message and returns it.
func (q *Queue) Add(text string) (Message, error) {
	msg := Message{
		ID:        uuid.New().String(),
		Text:      text,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := q.db.Exec(
		`INSERT INTO messages (id, text, status, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, msg.Text, msg.Status, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("enqueue: %w", err)
	}
	return msg, nil
}

// Next claims the oldest pending message, marking it processing. The
// claim is a single statement so concurrent claimers cannot take the same
// message. Returns (nil, nil) when the queue is empty.
func (q *Queue) Next() (*Message, error) {
	row := q.db.QueryRow(
		`UPDATE messages SET status = ?
		 WHERE id = (SELECT id FROM messages WHERE status = ? ORDER BY created_at LIMIT 1)
		 RETURNING id, text, status, error, created_at`, StatusProcessing, StatusPending)

	var msg Message
	if err := row.Scan(&msg.ID, &msg.Text, &msg.Status, &msg.Error, &msg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim message: %w", err)
	}
	return &msg, nil
}

// Ack marks a claimed message done.
func (q *Queue) Ack(id string) error {
	return q.setStatus(id, StatusDone, "")
}

// Fail marks a claimed message failed with a reason.
func (q *Queue) Fail(id, reason string) error {
	return q.setStatus(id, StatusFailed, reason)
}

func (q *Queue) setStatus(id, status, errText string) error {
	res, err := q.db.Exec(
		`UPDATE messages SET status = ?, error = ? WHERE id = ?`, status, errText, id)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message not found: %s", id)
	}
	return nil
}

// Pending lists messages awaiting processing, oldest first.
func (q *Queue) Pending() ([]Message, error) {
	rows, err := q.db.Query(
		`SELECT id, text, status, error, created_at FROM messages
		 WHERE status IN (?, ?) ORDER BY created_at`, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Text, &m.Status, &m.Error, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
