// Package memory assembles the hybrid inference context from two logical
// tiers: recent verbatim turns for continuity and semantically retrieved
// older turns for long-range recall.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questmaster/internal/logging"
	"questmaster/internal/store"
)

// ConversationReader is the slice of the conversation store the assembler
// depends on.
type ConversationReader interface {
	RecentTurns(ctx context.Context, sessionKey string, limit int) ([]store.Turn, error)
	Search(ctx context.Context, sessionKey, query string, k int) ([]store.SearchResult, error)
}

// HybridAssembler combines recent verbatim turns with semantically retrieved
// older turns into one bounded textual context.
type HybridAssembler struct {
	reader       ConversationReader
	recentLimit  int
	retrievalK   int
	queryTimeout time.Duration
}

// Config holds assembler configuration.
type Config struct {
	RecentLimit  int
	RetrievalK   int
	QueryTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecentLimit:  10,
		RetrievalK:   3,
		QueryTimeout: 2 * time.Second,
	}
}

// NewHybridAssembler creates an assembler over the given reader.
func NewHybridAssembler(reader ConversationReader, cfg Config) *HybridAssembler {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = 3
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}
	return &HybridAssembler{
		reader:       reader,
		recentLimit:  cfg.RecentLimit,
		retrievalK:   cfg.RetrievalK,
		queryTimeout: cfg.QueryTimeout,
	}
}

// Assemble produces the context block for one inference call. A brand-new
// session yields an empty string. The similarity leg degrades silently to
// recent-only context on timeout or empty results; only a failure to read
// the recent window is surfaced.
//
// Order is fixed: semantic matches first as background, recent verbatim turns
// last, because the model weighs trailing tokens most heavily.
func (a *HybridAssembler) Assemble(ctx context.Context, sessionKey, playerInput string) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Assemble")
	defer timer.Stop()

	recent, err := a.reader.RecentTurns(ctx, sessionKey, a.recentLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load recent turns: %w", err)
	}

	if len(recent) == 0 {
		logging.MemoryDebug("Session %s has no history, returning empty context", sessionKey)
		return "", nil
	}

	// Seqs already in the recent window are excluded from retrieval.
	seen := make(map[int64]bool, len(recent))
	for _, t := range recent {
		seen[t.Seq] = true
	}

	retrieved := a.retrieve(ctx, sessionKey, playerInput, seen)

	var parts []string
	if len(retrieved) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "[Related past events (%d)]\n", len(retrieved))
		for _, r := range retrieved {
			b.WriteString(r.Content)
			b.WriteString("\n")
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Recent conversation (%d turns)]\n", len(recent))
	for _, t := range recent {
		b.WriteString(formatTurn(t))
		b.WriteString("\n")
	}
	parts = append(parts, strings.TrimRight(b.String(), "\n"))

	return strings.Join(parts, "\n\n"), nil
}

// retrieve runs the bounded similarity query. Failures and timeouts degrade
// to an empty result; they are logged, never surfaced.
func (a *HybridAssembler) retrieve(ctx context.Context, sessionKey, playerInput string, exclude map[int64]bool) []store.SearchResult {
	queryCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	// Over-fetch so exclusions don't starve the result set.
	hits, err := a.reader.Search(queryCtx, sessionKey, playerInput, a.retrievalK+a.recentLimit)
	if err != nil {
		logging.MemoryWarn("Similarity query degraded to recent-only for session %s: %v", sessionKey, err)
		return nil
	}

	var kept []store.SearchResult
	for _, h := range hits {
		if h.Seq >= 0 && exclude[h.Seq] {
			continue
		}
		kept = append(kept, h)
		if len(kept) >= a.retrievalK {
			break
		}
	}

	logging.MemoryDebug("Retrieved %d/%d semantic hits for session %s", len(kept), len(hits), sessionKey)
	return kept
}

func formatTurn(t store.Turn) string {
	switch t.Role {
	case store.RolePlayer:
		return "Player: " + t.Text
	case store.RoleGamemaster:
		return "GM: " + t.Text
	default:
		return t.Text
	}
}
