package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewConversationStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendExchangeWritesTwoTurnsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, g, err := s.AppendExchange(ctx, "g1", "hello", "Welcome, traveler.", "")
	if err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}

	if p.Seq != 1 || p.Role != RolePlayer {
		t.Errorf("player turn = seq %d role %s, want seq 1 role %s", p.Seq, p.Role, RolePlayer)
	}
	if g.Seq != 2 || g.Role != RoleGamemaster {
		t.Errorf("gm turn = seq %d role %s, want seq 2 role %s", g.Seq, g.Role, RoleGamemaster)
	}

	history, err := s.History(ctx, "g1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d turns, want 2", len(history))
	}
	if history[0].Text != "hello" || history[1].Text != "Welcome, traveler." {
		t.Errorf("history order wrong: %q then %q", history[0].Text, history[1].Text)
	}
}

func TestSequenceNumbersAreGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := s.AppendExchange(ctx, "g1", fmt.Sprintf("input %d", i), fmt.Sprintf("reply %d", i), ""); err != nil {
			t.Fatalf("AppendExchange %d: %v", i, err)
		}
	}

	history, err := s.History(ctx, "g1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("history has %d turns, want 10", len(history))
	}
	for i, turn := range history {
		if turn.Seq != int64(i+1) {
			t.Errorf("turn %d has seq %d, want %d", i, turn.Seq, i+1)
		}
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendExchange(ctx, "g1", "a", "b", "")
	s.AppendExchange(ctx, "g2", "c", "d", "")

	p, _, err := s.AppendExchange(ctx, "g2", "e", "f", "")
	if err != nil {
		t.Fatalf("AppendExchange: %v", err)
	}
	if p.Seq != 3 {
		t.Errorf("g2 second exchange starts at seq %d, want 3", p.Seq)
	}

	n, err := s.TurnCount(ctx, "g1")
	if err != nil {
		t.Fatalf("TurnCount: %v", err)
	}
	if n != 2 {
		t.Errorf("g1 has %d turns, want 2", n)
	}
}

func TestRecentTurnsNewestLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		s.AppendExchange(ctx, "g1", fmt.Sprintf("input %d", i), fmt.Sprintf("reply %d", i), "")
	}

	recent, err := s.RecentTurns(ctx, "g1", 4)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("got %d turns, want 4", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Seq <= recent[i-1].Seq {
			t.Errorf("recent turns not oldest-first: seq %d then %d", recent[i-1].Seq, recent[i].Seq)
		}
	}
	if recent[3].Text != "reply 7" {
		t.Errorf("newest turn = %q, want the final reply", recent[3].Text)
	}
}

func TestRecentTurnsEmptySession(t *testing.T) {
	s := newTestStore(t)

	recent, err := s.RecentTurns(context.Background(), "unseen", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("unseen session returned %d turns", len(recent))
	}
}

func TestResetClearsTurnsAndDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendExchange(ctx, "g1", "a", "b", "")
	s.AddDocument(ctx, "g1", "[Generated image]\nPrompt: cave", map[string]interface{}{"kind": "image"})

	if err := s.Reset(ctx, "g1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	n, _ := s.TurnCount(ctx, "g1")
	if n != 0 {
		t.Errorf("turns after reset: %d", n)
	}
	docs, _ := s.DocumentCount(ctx, "g1")
	if docs != 0 {
		t.Errorf("documents after reset: %d", docs)
	}
}

// Without an embedding engine the store answers searches by keyword match.
func TestSearchKeywordFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendExchange(ctx, "g1", "I pick up the rusty key", "The key is cold and heavy.", "")
	s.AppendExchange(ctx, "g1", "walk to the village", "The village sleeps.", "")

	results, err := s.Search(ctx, "g1", "key", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("keyword search found nothing for 'key'")
	}
	for _, r := range results {
		if !strings.Contains(strings.ToLower(r.Content), "key") {
			t.Errorf("result %q does not match the query", r.Content)
		}
	}
}

func TestSearchScopedToSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendExchange(ctx, "g1", "the dragon sleeps", "It snores.", "")
	s.AppendExchange(ctx, "g2", "a dragon attacks", "Run!", "")

	results, err := s.Search(ctx, "g1", "dragon", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Metadata["session_key"] != "g1" {
			t.Errorf("result leaked from another session: %v", r.Metadata)
		}
	}
}

func TestSearchWithFakeEngineRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Axis-aligned embeddings make the ranking deterministic.
	s.SetEmbeddingEngine(&fakeEngine{vectors: map[string][]float32{
		"the wolf howls":  {1, 0, 0},
		"rain on stone":   {0, 1, 0},
		"wolves close in": {0.9, 0.1, 0},
	}})

	s.AddDocument(ctx, "g1", "the wolf howls", nil)
	s.AddDocument(ctx, "g1", "rain on stone", nil)
	s.AddDocument(ctx, "g1", "wolves close in", nil)

	s.SetEmbeddingEngine(&fakeEngine{vectors: map[string][]float32{
		"wolf": {1, 0, 0},
	}})

	results, err := s.Search(ctx, "g1", "wolf", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Content != "the wolf howls" {
		t.Errorf("top hit = %q, want the exact-direction match", results[0].Content)
	}
	if results[1].Content != "wolves close in" {
		t.Errorf("second hit = %q", results[1].Content)
	}
}

func TestAddDocumentSurvivesEmbeddingFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SetEmbeddingEngine(&fakeEngine{})

	if err := s.AddDocument(ctx, "g1", "stored without a vector", nil); err != nil {
		t.Fatalf("AddDocument must tolerate embedding failure: %v", err)
	}
	n, _ := s.DocumentCount(ctx, "g1")
	if n != 1 {
		t.Errorf("document count = %d, want 1", n)
	}
}

// A slow embedding backend must never stall reads for other sessions:
// the embed call runs before the write lock is taken.
func TestSlowEmbeddingDoesNotBlockReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendExchange(ctx, "g2", "hello", "welcome", "")

	engine := &blockingEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s.SetEmbeddingEngine(engine)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.AddDocument(ctx, "g1", "long embed", nil)
	}()

	select {
	case <-engine.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("embedding was never started")
	}

	readCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.RecentTurns(readCtx, "g2", 10)
	elapsed := time.Since(start)

	close(engine.release)
	<-writeDone

	if err != nil {
		t.Fatalf("RecentTurns blocked behind an embedding in flight: %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("RecentTurns took %s while another session was embedding", elapsed)
	}
}

type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case e.entered <- struct{}{}:
	default:
	}
	<-e.release
	return []float32{1, 0, 0}, nil
}

type fakeEngine struct {
	vectors map[string][]float32
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}
