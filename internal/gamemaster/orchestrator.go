package gamemaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"questmaster/internal/gamectx"
	"questmaster/internal/llm"
	"questmaster/internal/logging"
	"questmaster/internal/store"
)

// ErrSessionEnded is returned for messages sent to a session whose
// character has already died. The session must be reset before play
// can continue.
var ErrSessionEnded = errors.New("session has ended")

// patchableFields is the whitelist of character fields the external API
// accepts in a PATCH payload.
var patchableFields = []string{"name", "class", "level", "stats", "inventory", "avatar", "health"}

type contextProvider interface {
	GameContext(ctx context.Context, sessionKey string) (*gamectx.GameInfo, error)
	Characters(ctx context.Context, sessionKey string) ([]gamectx.Character, error)
	PatchCharacter(ctx context.Context, sessionKey string, fields gamectx.Character) (gamectx.Character, error)
}

type conversationLog interface {
	AppendExchange(ctx context.Context, sessionKey, playerText, gmText, imageRef string) (store.Turn, store.Turn, error)
	History(ctx context.Context, sessionKey string) ([]store.Turn, error)
	TurnCount(ctx context.Context, sessionKey string) (int64, error)
	DocumentCount(ctx context.Context, sessionKey string) (int64, error)
	Reset(ctx context.Context, sessionKey string) error
}

type contextAssembler interface {
	Assemble(ctx context.Context, sessionKey, playerInput string) (string, error)
}

// sceneIllustrator runs one image job to completion. accept is consulted
// before anything player-facing happens with the result, so a session
// reset mid-job turns the outcome into a no-op.
type sceneIllustrator interface {
	Generate(ctx context.Context, sessionKey, prompt string, accept func() bool) ([]string, error)
}

// GMResponse is the synchronous result of one exchange, shaped for the
// transport layer.
type GMResponse struct {
	Success        bool       `json:"success"`
	Message        string     `json:"message"`
	Options        []string   `json:"options"`
	NeedImage      bool       `json:"need_image"`
	ImageInfo      *ImageInfo `json:"image_info,omitempty"`
	GameOver       bool       `json:"game_over,omitempty"`
	CharacterDeath bool       `json:"character_death,omitempty"`
	CharacterName  string     `json:"character_name,omitempty"`
	Timestamp      string     `json:"timestamp"`
}

// ImageInfo signals to the client that an image job was started for this
// turn. The image itself arrives out of band once the job completes.
type ImageInfo struct {
	ShouldGenerate bool   `json:"should_generate"`
	Prompt         string `json:"prompt"`
	Reason         string `json:"reason"`
}

// Config tunes one Orchestrator.
type Config struct {
	Temperature float64
	LLMTimeout  time.Duration
}

// Orchestrator drives the full exchange state machine for every session:
// context assembly, inference, validation, persistence, character merge,
// and the conditional death and image branches. Exchanges within one
// session are strictly serialized; sessions are independent.
type Orchestrator struct {
	registry  *Registry
	llmClient llm.Client
	gameAPI   contextProvider
	log       conversationLog
	assembler contextAssembler
	images    sceneIllustrator
	cfg       Config
}

// NewOrchestrator wires the exchange pipeline. images may be nil when no
// image backend is configured; image requests then degrade to the flag in
// the response with no job started.
func NewOrchestrator(registry *Registry, llmClient llm.Client, gameAPI contextProvider, log conversationLog, assembler contextAssembler, images sceneIllustrator, cfg Config) *Orchestrator {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Orchestrator{
		registry:  registry,
		llmClient: llmClient,
		gameAPI:   gameAPI,
		log:       log,
		assembler: assembler,
		images:    images,
		cfg:       cfg,
	}
}

// SetImages wires the image pipeline after construction. The transport
// layer's event sink needs the server, and the server needs the
// orchestrator, so the coordinator arrives last.
func (o *Orchestrator) SetImages(images sceneIllustrator) {
	o.images = images
}

// HandlePlayerMessage processes one player message end to end and returns
// the gamemaster reply for the turn. It blocks until any earlier exchange
// for the same session has finished.
func (o *Orchestrator) HandlePlayerMessage(ctx context.Context, sessionKey, input string) (*GMResponse, error) {
	s := o.registry.acquire(sessionKey)
	defer s.mu.Unlock()

	if s.ended {
		return nil, ErrSessionEnded
	}
	generation := s.generation

	timer := logging.StartTimer(logging.CategorySession, "exchange "+sessionKey)
	defer timer.Stop()

	// Context assembly: the game-context fetch and the memory-retrieval
	// leg are independent reads, so they run concurrently. Either leg
	// failing degrades the prompt, never the turn.
	var (
		gameContextText string
		chatSummary     string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, characters := o.fetchGameContext(gctx, s)
		gameContextText = FormatGameContext(info, characters)
		return nil
	})
	g.Go(func() error {
		summary, err := o.assembler.Assemble(gctx, sessionKey, input)
		if err != nil {
			logging.SessionWarn("context assembly degraded for %s: %v", sessionKey, err)
			return nil
		}
		chatSummary = summary
		return nil
	})
	_ = g.Wait() // both legs degrade instead of failing

	// Single inference call per exchange. A hard failure produces the
	// fixed fallback reply; there is no retry at this level.
	raw, err := o.llmClient.CompleteWithOptions(ctx, BuildPlayerPrompt(input), llm.Options{
		System:      BuildSystemPrompt(gameContextText, chatSummary),
		Temperature: o.cfg.Temperature,
		Timeout:     o.cfg.LLMTimeout,
	})
	if err != nil {
		logging.SessionError("inference failed for %s: %v", sessionKey, err)
		raw = ""
	}
	reply := ParseReply(raw)

	// Exactly two turns per exchange, player then gamemaster. A write
	// failure here is the one hard error of the pipeline: the caller
	// must know the exchange was not recorded.
	if _, _, err := o.log.AppendExchange(ctx, sessionKey, input, reply.Message, ""); err != nil {
		return nil, fmt.Errorf("persisting exchange for %s: %w", sessionKey, err)
	}

	// Conditional character merge and the death branch.
	if len(reply.UpdateCharacter) > 0 {
		merged, died := o.applyCharacterPatch(ctx, s, reply.UpdateCharacter)
		if died {
			resp := o.runDeathBranch(ctx, s, merged, input, reply.Message)
			s.ended = true
			return resp, nil
		}
	}

	resp := &GMResponse{
		Success:   true,
		Message:   reply.Message,
		Options:   reply.Options,
		NeedImage: reply.NeedImage,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	// Image jobs poll for minutes; the goroutine below runs with the
	// session lock released and a result that survives a reset is
	// dropped by the accept check.
	if reply.NeedImage && reply.ImagePrompt != "" && o.images != nil {
		resp.ImageInfo = &ImageInfo{
			ShouldGenerate: true,
			Prompt:         reply.ImagePrompt,
			Reason:         "Scene visualization",
		}
		o.startImageJob(sessionKey, generation, reply.ImagePrompt)
	}

	return resp, nil
}

// fetchGameContext pulls game metadata and characters from the external
// API, falling back to the session's cached character list when the fetch
// fails mid-game.
func (o *Orchestrator) fetchGameContext(ctx context.Context, s *sessionState) (*gamectx.GameInfo, []gamectx.Character) {
	info, err := o.gameAPI.GameContext(ctx, s.key)
	if err != nil {
		logging.APIError("game context fetch failed for %s: %v", s.key, err)
		info = nil
	}

	characters, err := o.gameAPI.Characters(ctx, s.key)
	if err != nil {
		logging.APIError("character fetch failed for %s: %v", s.key, err)
		characters = s.characters
	} else {
		s.characters = characters
	}

	return info, characters
}

// applyCharacterPatch merges the reply's patch into the first cached
// character and pushes the changed fields to the external API. It returns
// the merged state and whether the merge left the character dead.
func (o *Orchestrator) applyCharacterPatch(ctx context.Context, s *sessionState, patch CharacterState) (CharacterState, bool) {
	if len(s.characters) == 0 {
		logging.SessionWarn("character patch dropped, no characters cached for %s", s.key)
		return nil, false
	}

	result := Merge(s.characters[0], patch)

	payload := gamectx.Character{}
	for _, field := range patchableFields {
		if _, touched := patch[field]; touched {
			payload[field] = result.State[field]
		}
	}
	if len(payload) == 0 {
		// Nothing to push upstream, but the merge still applies locally.
		logging.SessionWarn("character patch carried no patchable fields for %s: %v", s.key, patch)
		s.characters[0] = result.State
		return result.State, result.Died
	}

	updated, err := o.gameAPI.PatchCharacter(ctx, s.key, payload)
	if err != nil {
		// Local state stays authoritative for this exchange; the next
		// successful fetch reconciles.
		logging.APIError("character patch failed for %s: %v", s.key, err)
		s.characters[0] = result.State
		return result.State, result.Died
	}

	s.characters[0] = updated
	return updated, result.Died || healthDepleted(updated)
}

// runDeathBranch produces the terminal reply for a dead character: one
// extra inference call summarizing the cause of death and the journey,
// framed as the session's final message. Never fails; a failed summary
// inference falls back to a short fixed epitaph.
func (o *Orchestrator) runDeathBranch(ctx context.Context, s *sessionState, character CharacterState, finalAction, deathContext string) *GMResponse {
	// The summary sees the whole transcript, not just the recent window.
	history, err := o.log.History(ctx, s.key)
	if err != nil {
		logging.SessionWarn("death summary history load failed for %s: %v", s.key, err)
	}

	var message string
	summary, err := o.llmClient.CompleteWithOptions(ctx, BuildDeathPrompt(character, history, finalAction, deathContext), llm.Options{
		Temperature: o.cfg.Temperature,
		Timeout:     o.cfg.LLMTimeout,
	})
	if err != nil || summary == "" {
		logging.SessionError("death summary inference failed for %s: %v", s.key, err)
		message = FallbackDeathMessage(character)
	} else {
		message = FormatDeathMessage(character, summary)
	}

	name, _ := character["name"].(string)
	logging.Session("character died, session ended: %s (game %s)", name, s.key)

	return &GMResponse{
		Success:        true,
		Message:        message,
		Options:        []string{},
		NeedImage:      false,
		GameOver:       true,
		CharacterDeath: true,
		CharacterName:  name,
		Timestamp:      time.Now().Format(time.RFC3339),
	}
}

// startImageJob kicks off the image pipeline for this exchange. The job
// outlives the request context on purpose, so it runs under Background.
func (o *Orchestrator) startImageJob(sessionKey string, generation uint64, prompt string) {
	accept := func() bool {
		gen, ok := o.registry.liveGeneration(sessionKey)
		return ok && gen == generation
	}

	go func() {
		if _, err := o.images.Generate(context.Background(), sessionKey, prompt, accept); err != nil {
			logging.ImageWarn("image job for %s did not complete: %v", sessionKey, err)
		}
	}()
}

// Reset clears all memory for a game: in-process session state plus the
// durable turns and vector documents. Outstanding image jobs finish on
// their own and are discarded by the generation check.
func (o *Orchestrator) Reset(ctx context.Context, sessionKey string) error {
	o.registry.Reset(sessionKey)
	if err := o.log.Reset(ctx, sessionKey); err != nil {
		return fmt.Errorf("resetting conversation for %s: %w", sessionKey, err)
	}
	return nil
}
