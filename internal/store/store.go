// Package store implements the conversation store: an append-only record of
// turns per session, queryable by recency and by semantic similarity.
//
// Two physical tables back one logical interface. The turns table is the
// durable transcript; the vectors table carries embeddings for semantic
// retrieval. Callers depend on the store, never on either table's identity.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"questmaster/internal/logging"
)

// Turn roles.
const (
	RolePlayer     = "player"
	RoleGamemaster = "gamemaster"
)

// Turn is one immutable message unit in a session's history.
type Turn struct {
	SessionKey string
	Seq        int64
	Role       string
	Text       string
	ImageRef   string
	CreatedAt  time.Time
}

// ConversationStore provides turn persistence and retrieval over SQLite.
type ConversationStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	engine embeddingEngine
}

// embeddingEngine is the subset of embedding.Engine the store needs.
// Declared locally so the store can be exercised with test doubles.
type embeddingEngine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewConversationStore initializes the SQLite database at the given path.
func NewConversationStore(path string) (*ConversationStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &ConversationStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Conversation store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *ConversationStore) initialize() error {
	turnsTable := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		image_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, seq);
	`

	vectorsTable := `
	CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		seq INTEGER NOT NULL DEFAULT -1,
		content TEXT NOT NULL,
		embedding TEXT,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_session ON vectors(session_key);
	`

	for _, stmt := range []string{turnsTable, vectorsTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// SetEmbeddingEngine configures the embedding engine for semantic search.
// Without an engine the store falls back to keyword matching.
func (s *ConversationStore) SetEmbeddingEngine(engine embeddingEngine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
}

// Close closes the underlying database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// TURN PERSISTENCE
// =============================================================================

// AppendExchange writes the player and gamemaster turns of one exchange in a
// single transaction. Sequence numbers are strictly increasing and gap-free
// per session; either both turns persist or neither does.
func (s *ConversationStore) AppendExchange(ctx context.Context, sessionKey, playerText, gmText, imageRef string) (playerTurn, gmTurn Turn, err error) {
	timer := logging.StartTimer(logging.CategoryStore, "AppendExchange")
	defer timer.Stop()

	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return Turn{}, Turn{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var maxSeq int64
	row := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_key = ?", sessionKey)
	if err = row.Scan(&maxSeq); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return Turn{}, Turn{}, fmt.Errorf("failed to read sequence cursor: %w", err)
	}

	now := time.Now().UTC()
	playerTurn = Turn{SessionKey: sessionKey, Seq: maxSeq + 1, Role: RolePlayer, Text: playerText, CreatedAt: now}
	gmTurn = Turn{SessionKey: sessionKey, Seq: maxSeq + 2, Role: RoleGamemaster, Text: gmText, ImageRef: imageRef, CreatedAt: now}

	for _, t := range []Turn{playerTurn, gmTurn} {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO turns (session_key, seq, role, text, image_ref, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			t.SessionKey, t.Seq, t.Role, t.Text, t.ImageRef, t.CreatedAt)
		if err != nil {
			tx.Rollback()
			s.mu.Unlock()
			return Turn{}, Turn{}, fmt.Errorf("failed to persist %s turn: %w", t.Role, err)
		}
	}

	if err = tx.Commit(); err != nil {
		s.mu.Unlock()
		return Turn{}, Turn{}, fmt.Errorf("failed to commit exchange: %w", err)
	}
	s.mu.Unlock()

	logging.StoreDebug("Appended exchange for session %s (seq %d, %d)", sessionKey, playerTurn.Seq, gmTurn.Seq)

	// Vector indexing is best-effort: a failed embedding degrades retrieval
	// quality for later exchanges but never fails the turn.
	s.indexTurn(ctx, playerTurn)
	s.indexTurn(ctx, gmTurn)

	return playerTurn, gmTurn, nil
}

// indexTurn stores a turn in the vectors table for semantic retrieval.
func (s *ConversationStore) indexTurn(ctx context.Context, t Turn) {
	meta := map[string]interface{}{
		"kind":        "conversation",
		"role":        t.Role,
		"session_key": t.SessionKey,
		"timestamp":   t.CreatedAt.Format(time.RFC3339),
	}
	if t.ImageRef != "" {
		meta["image_ref"] = t.ImageRef
	}

	if err := s.addDocument(ctx, t.SessionKey, t.Seq, t.Text, meta); err != nil {
		logging.StoreError("Failed to index turn %d for session %s: %v", t.Seq, t.SessionKey, err)
	}
}

// RecentTurns returns the most recent limit turns for a session, newest-last.
func (s *ConversationStore) RecentTurns(ctx context.Context, sessionKey string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT session_key, seq, role, text, image_ref, created_at FROM turns WHERE session_key = ? ORDER BY seq DESC LIMIT ?",
		sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to oldest-first so recency dominates the tail.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// History returns all turns for a session in sequence order.
func (s *ConversationStore) History(ctx context.Context, sessionKey string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT session_key, seq, role, text, image_ref, created_at FROM turns WHERE session_key = ? ORDER BY seq ASC",
		sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// TurnCount returns the number of turns stored for a session.
func (s *ConversationStore) TurnCount(ctx context.Context, sessionKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns WHERE session_key = ?", sessionKey)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

// Reset deletes all turns and vector documents for a session.
func (s *ConversationStore) Reset(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE session_key = ?", sessionKey); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vectors WHERE session_key = ?", sessionKey); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}

	logging.Store("Reset session %s", sessionKey)
	return nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionKey, &t.Seq, &t.Role, &t.Text, &t.ImageRef, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
