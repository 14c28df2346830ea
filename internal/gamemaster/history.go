package gamemaster

import (
	"context"

	"questmaster/internal/store"
)

// MemoryStats summarizes what the engine remembers about one game.
type MemoryStats struct {
	SessionKey    string `json:"session_key"`
	TurnCount     int64  `json:"turn_count"`
	DocumentCount int64  `json:"document_count"`
	Active        bool   `json:"active"`
	Ended         bool   `json:"ended"`
}

// History returns a game's full transcript in sequence order. Read-only;
// it does not take the session lock, so a transcript fetched mid-exchange
// may miss the exchange in flight.
func (o *Orchestrator) History(ctx context.Context, sessionKey string) ([]store.Turn, error) {
	return o.log.History(ctx, sessionKey)
}

// Stats reports turn and vector-document counts plus in-process session
// liveness for a game.
func (o *Orchestrator) Stats(ctx context.Context, sessionKey string) (MemoryStats, error) {
	stats := MemoryStats{SessionKey: sessionKey}

	turns, err := o.log.TurnCount(ctx, sessionKey)
	if err != nil {
		return stats, err
	}
	stats.TurnCount = turns

	docs, err := o.log.DocumentCount(ctx, sessionKey)
	if err != nil {
		return stats, err
	}
	stats.DocumentCount = docs

	if s, ok := o.registry.peek(sessionKey); ok {
		s.mu.Lock()
		stats.Active = true
		stats.Ended = s.ended
		s.mu.Unlock()
	}
	return stats, nil
}
