// Package session persists correction sessions: the state machine row and the
// append-only conversation history. The core never deletes a session; the
// history table only ever grows.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite session store.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Session("session store ready at %s", path)
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		version    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session_history (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		timestamp  TEXT NOT NULL,
		message    TEXT NOT NULL,
		response   TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_history_session ON session_history(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating session schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Create opens a new session in CREATED for the given user.
func (s *Store) Create(ctx context.Context, userID string) (*types.Session, error) {
	const op = "session.Create"
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess := &types.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    types.StatusCreated,
		Metadata:  map[string]interface{}{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, metadata, version, created_at, updated_at)
		 VALUES (?, ?, ?, '{}', 1, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Status), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, op, err)
	}
	logging.SessionDebug("created session %s for user %s", sess.ID, userID)
	return sess, nil
}

// Get loads a session with its full conversation history in order.
func (s *Store) Get(ctx context.Context, id string) (*types.Session, error) {
	const op = "session.Get"
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, op, id)
}

func (s *Store) getLocked(ctx context.Context, op, id string) (*types.Session, error) {
	var (
		sess      types.Session
		status    string
		metadata  string
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, metadata, version, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &status, &metadata, &sess.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, op, err)
	}

	sess.Status = types.SessionStatus(status)
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, faults.Wrapf(faults.KindStorage, op, err, "corrupt metadata for %s", id)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, message, response FROM session_history
		 WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts       string
			entry    types.ConversationEntry
			response string
		)
		if err := rows.Scan(&ts, &entry.Message, &response); err != nil {
			return nil, faults.Wrap(faults.KindStorage, op, err)
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entry.Response = json.RawMessage(response)
		sess.History = append(sess.History, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.KindStorage, op, err)
	}
	return &sess, nil
}

// AppendMessage appends one conversation entry and bumps the session version.
func (s *Store) AppendMessage(ctx context.Context, id string, entry types.ConversationEntry) error {
	const op = "session.AppendMessage"
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	response := entry.Response
	if len(response) == 0 {
		response = json.RawMessage("null")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_history (session_id, seq, timestamp, message, response)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		 FROM session_history WHERE session_id = ?`,
		id, entry.Timestamp.Format(time.RFC3339Nano), entry.Message, string(response), id)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Wrap(faults.KindStorage, op, errors.New("history insert affected no rows"))
	}
	if err := s.touchLocked(ctx, tx, op, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	logging.SessionDebug("appended history entry to %s", id)
	return nil
}

// MergeMetadata patches the metadata object. Supplied keys overwrite, absent
// keys survive; nothing is ever retracted.
func (s *Store) MergeMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	const op = "session.MergeMetadata"
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}

	metadata := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return faults.Wrapf(faults.KindStorage, op, err, "corrupt metadata for %s", id)
	}
	for k, v := range patch {
		metadata[k] = v
	}
	merged, err := json.Marshal(metadata)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE id = ?`, string(merged), id); err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	if err := s.touchLocked(ctx, tx, op, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	return nil
}

// SetStatus moves the session to a new status and bumps the version. Legality
// of the transition is the workflow engine's concern, not the store's.
func (s *Store) SetStatus(ctx context.Context, id string, status types.SessionStatus) error {
	const op = "session.SetStatus"
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.touchLocked(ctx, tx, op, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	logging.SessionDebug("session %s -> %s", id, status)
	return nil
}

// touchLocked bumps version and updated_at inside the caller's transaction.
func (s *Store) touchLocked(ctx context.Context, tx *sql.Tx, op, id string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return faults.Wrap(faults.KindStorage, op, err)
	}
	return nil
}
