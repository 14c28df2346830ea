package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"questmaster/internal/embedding"
	"questmaster/internal/logging"
)

// SearchResult is one ranked hit from a semantic similarity query.
type SearchResult struct {
	// Seq is the originating turn's sequence number, or -1 for documents
	// that are not turns (image records, scenario notes).
	Seq        int64
	Content    string
	Metadata   map[string]interface{}
	Similarity float64
}

// AddDocument stores a non-turn document (image record, scenario note) for
// semantic retrieval. Metadata should carry kind, role, session key, and an
// ISO-8601 timestamp.
func (s *ConversationStore) AddDocument(ctx context.Context, sessionKey, content string, metadata map[string]interface{}) error {
	return s.addDocument(ctx, sessionKey, -1, content, metadata)
}

func (s *ConversationStore) addDocument(ctx context.Context, sessionKey string, seq int64, content string, metadata map[string]interface{}) error {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	// The embedding is a network call with its own timeout; it must finish
	// before the write lock is taken so reads for other sessions never wait
	// on it.
	var embeddingJSON interface{}
	if engine != nil {
		vec, err := engine.Embed(ctx, content)
		if err != nil {
			// Keyword fallback still works without the embedding.
			logging.StoreError("Embedding failed, storing document without vector: %v", err)
		} else if data, err := json.Marshal(vec); err == nil {
			embeddingJSON = string(data)
		}
	}

	metaJSON, _ := json.Marshal(metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO vectors (session_key, seq, content, embedding, metadata) VALUES (?, ?, ?, ?, ?)",
		sessionKey, seq, content, embeddingJSON, string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

// DocumentCount returns the number of vector documents stored for a session.
func (s *ConversationStore) DocumentCount(ctx context.Context, sessionKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors WHERE session_key = ?", sessionKey)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Search performs a semantic similarity query scoped to one session and
// returns the top k hits ranked by cosine similarity. The query is bounded by
// ctx; callers enforce the timeout. Without an embedding engine it degrades
// to keyword matching.
func (s *ConversationStore) Search(ctx context.Context, sessionKey, query string, k int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	if k <= 0 {
		k = 3
	}

	if engine == nil {
		return s.searchKeyword(ctx, sessionKey, query, k)
	}

	queryVec, err := engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, content, embedding, metadata FROM vectors WHERE session_key = ? AND embedding IS NOT NULL",
		sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var (
		candidates []SearchResult
		vectors    [][]float32
	)
	for rows.Next() {
		var r SearchResult
		var embeddingJSON, metaJSON string
		if err := rows.Scan(&r.Seq, &r.Content, &embeddingJSON, &metaJSON); err != nil {
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			continue
		}

		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &r.Metadata)
		}
		candidates = append(candidates, r)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}

	top := embedding.FindTopK(queryVec, vectors, k)
	results := make([]SearchResult, 0, len(top))
	for _, hit := range top {
		r := candidates[hit.Index]
		r.Similarity = hit.Similarity
		results = append(results, r)
	}

	logging.StoreDebug("Search returned %d results for session %s", len(results), sessionKey)
	return results, nil
}

// searchKeyword is the engine-free fallback: LIKE matching on query words.
func (s *ConversationStore) searchKeyword(ctx context.Context, sessionKey, query string, k int) ([]SearchResult, error) {
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	var conditions []string
	args := []interface{}{sessionKey}
	for _, kw := range keywords {
		conditions = append(conditions, "LOWER(content) LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	args = append(args, k)

	sqlQuery := fmt.Sprintf(
		"SELECT seq, content, metadata FROM vectors WHERE session_key = ? AND (%s) ORDER BY created_at DESC LIMIT ?",
		strings.Join(conditions, " OR "))

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var metaJSON string
		if err := rows.Scan(&r.Seq, &r.Content, &metaJSON); err != nil {
			continue
		}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &r.Metadata)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
