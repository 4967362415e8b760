package agent

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// TaskRecord is the journaled view of a task the node received or sent.
type TaskRecord struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Peer      string    `json:"peer"`
	State     string    `json:"state"`
	Text      string    `json:"text"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journal persists relay cursors and a task history in sqlite. It holds no key material.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: journal path is required", ErrInvalidArgument)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS relay_cursors (
		cursor_key TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		event_id TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		direction TEXT NOT NULL,
		peer TEXT NOT NULL,
		state TEXT NOT NULL,
		text TEXT,
		result TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (id, direction)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	CREATE TABLE IF NOT EXISTS blocked_peers (
		peer_id TEXT PRIMARY KEY,
		blocked_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// SaveRelayCursor advances the cursor for key. Older positions never overwrite newer ones.
func (j *Journal) SaveRelayCursor(key string, createdAt int64, eventID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		INSERT INTO relay_cursors (cursor_key, created_at, event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cursor_key) DO UPDATE SET
			created_at = excluded.created_at,
			event_id = excluded.event_id,
			updated_at = excluded.updated_at
		WHERE excluded.created_at >= relay_cursors.created_at`,
		key, createdAt, eventID, time.Now().UnixMilli())
	return err
}

// GetRelayCursor returns zero values when no cursor exists for key.
func (j *Journal) GetRelayCursor(key string) (int64, string, error) {
	var ts int64
	var id sql.NullString
	err := j.db.QueryRow(`SELECT created_at, event_id FROM relay_cursors WHERE cursor_key = ?`, key).Scan(&ts, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return ts, id.String, nil
}

func (j *Journal) RecordTask(rec TaskRecord) error {
	if rec.ID == "" || rec.Direction == "" {
		return fmt.Errorf("%w: task record needs id and direction", ErrInvalidArgument)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO tasks (id, direction, peer, state, text, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Direction, rec.Peer, rec.State, rec.Text, rec.Result,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	return err
}

// UpdateTask sets state and result of a journaled task. Unknown tasks are ignored.
func (j *Journal) UpdateTask(id, direction, state, result string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`
		UPDATE tasks SET state = ?, result = ?, updated_at = ?
		WHERE id = ? AND direction = ?`,
		state, result, time.Now().UnixMilli(), id, direction)
	return err
}

// RecentTasks returns up to limit records, most recently updated first.
func (j *Journal) RecentTasks(limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, direction, peer, state, text, result, created_at, updated_at
		FROM tasks ORDER BY updated_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var text, result sql.NullString
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.Direction, &rec.Peer, &rec.State, &text, &result, &created, &updated); err != nil {
			return nil, err
		}
		rec.Text = text.String
		rec.Result = result.String
		rec.CreatedAt = time.UnixMilli(created)
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) SaveBlockedPeer(peerID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`INSERT OR IGNORE INTO blocked_peers (peer_id, blocked_at) VALUES (?, ?)`, peerID, time.Now().UnixMilli())
	return err
}

func (j *Journal) DeleteBlockedPeer(peerID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`DELETE FROM blocked_peers WHERE peer_id = ?`, peerID)
	return err
}

func (j *Journal) ListBlockedPeers() ([]string, error) {
	rows, err := j.db.Query(`SELECT peer_id FROM blocked_peers ORDER BY peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
