package gamemaster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"questmaster/internal/gamectx"
	"questmaster/internal/llm"
	"questmaster/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Fakes
// ============================================================================

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
	systems   []string
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithOptions(ctx, prompt, llm.Options{})
}

func (f *fakeLLM) CompleteWithOptions(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, opts.System)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("fakeLLM: no responses queued")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeGameAPI struct {
	mu         sync.Mutex
	info       *gamectx.GameInfo
	characters []gamectx.Character
	patchErr   error
	patched    []gamectx.Character
}

func (f *fakeGameAPI) GameContext(ctx context.Context, sessionKey string) (*gamectx.GameInfo, error) {
	if f.info == nil {
		return nil, errors.New("no game info")
	}
	return f.info, nil
}

func (f *fakeGameAPI) Characters(ctx context.Context, sessionKey string) ([]gamectx.Character, error) {
	if f.characters == nil {
		return nil, errors.New("no characters")
	}
	return f.characters, nil
}

func (f *fakeGameAPI) PatchCharacter(ctx context.Context, sessionKey string, fields gamectx.Character) (gamectx.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	f.patched = append(f.patched, fields)
	merged := Merge(f.characters[0], fields)
	return merged.State, nil
}

type fakeLog struct {
	mu        sync.Mutex
	appendErr error
	turns     []store.Turn
	nextSeq   int64
}

func (f *fakeLog) AppendExchange(ctx context.Context, sessionKey, playerText, gmText, imageRef string) (store.Turn, store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return store.Turn{}, store.Turn{}, f.appendErr
	}
	p := store.Turn{SessionKey: sessionKey, Seq: f.nextSeq + 1, Role: store.RolePlayer, Text: playerText}
	g := store.Turn{SessionKey: sessionKey, Seq: f.nextSeq + 2, Role: store.RoleGamemaster, Text: gmText}
	f.nextSeq += 2
	f.turns = append(f.turns, p, g)
	return p, g, nil
}

func (f *fakeLog) History(ctx context.Context, sessionKey string) ([]store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Turn, len(f.turns))
	copy(out, f.turns)
	return out, nil
}

func (f *fakeLog) TurnCount(ctx context.Context, sessionKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.turns)), nil
}

func (f *fakeLog) DocumentCount(ctx context.Context, sessionKey string) (int64, error) {
	return 0, nil
}

func (f *fakeLog) Reset(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = nil
	f.nextSeq = 0
	return nil
}

type fakeAssembler struct {
	summary string
	err     error
}

func (f *fakeAssembler) Assemble(ctx context.Context, sessionKey, playerInput string) (string, error) {
	return f.summary, f.err
}

type fakeImages struct {
	mu      sync.Mutex
	calls   []string
	accepts []func() bool
	done    chan struct{}
}

func newFakeImages() *fakeImages {
	return &fakeImages{done: make(chan struct{}, 8)}
}

func (f *fakeImages) Generate(ctx context.Context, sessionKey, prompt string, accept func() bool) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	f.accepts = append(f.accepts, accept)
	f.mu.Unlock()
	f.done <- struct{}{}
	return []string{"/images/fake.png"}, nil
}

func (f *fakeImages) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("image job was never started")
	}
}

// ============================================================================
// Helpers
// ============================================================================

func testCharacter() gamectx.Character {
	return gamectx.Character{
		"id":        float64(1),
		"name":      "Arden",
		"class":     "ranger",
		"level":     float64(3),
		"health":    float64(10),
		"maxHealth": float64(12),
		"stats":     map[string]interface{}{"strength": float64(4), "wisdom": float64(6)},
		"inventory": []interface{}{"bow", "rope"},
	}
}

func newTestOrchestrator(llmClient llm.Client, api *fakeGameAPI, log *fakeLog, images sceneIllustrator) *Orchestrator {
	return NewOrchestrator(
		NewRegistry(time.Hour),
		llmClient,
		api,
		log,
		&fakeAssembler{summary: "[Recent conversation (2 turns)]\nPlayer: hello\nGM: welcome"},
		images,
		Config{Temperature: 0.7, LLMTimeout: time.Second},
	)
}

// ============================================================================
// Tests
// ============================================================================

func TestHandlePlayerMessageNormalExchange(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "You slip past the guard.", "options": ["Run", "Hide"], "need_image": false}`,
	}}
	api := &fakeGameAPI{info: &gamectx.GameInfo{Title: "Shadow Keep", Genre: "fantasy"}, characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "sneak past the guard")
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "You slip past the guard.", resp.Message)
	assert.Equal(t, []string{"Run", "Hide"}, resp.Options)
	assert.False(t, resp.GameOver)

	// The system prompt carries both context legs.
	require.Len(t, llmClient.systems, 1)
	assert.Contains(t, llmClient.systems[0], "Shadow Keep")
	assert.Contains(t, llmClient.systems[0], "Recent conversation")

	// Exactly two turns, player then gamemaster.
	require.Len(t, log.turns, 2)
	assert.Equal(t, store.RolePlayer, log.turns[0].Role)
	assert.Equal(t, "sneak past the guard", log.turns[0].Text)
	assert.Equal(t, store.RoleGamemaster, log.turns[1].Role)
	assert.Equal(t, "You slip past the guard.", log.turns[1].Text)
}

func TestHandlePlayerMessageInferenceFailureFallsBack(t *testing.T) {
	llmClient := &fakeLLM{err: errors.New("connection refused")}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "look around")
	require.NoError(t, err, "inference failure must not abort the exchange")

	assert.Equal(t, FallbackNarrative, resp.Message)
	assert.Empty(t, resp.Options)

	// The degraded exchange is still persisted.
	require.Len(t, log.turns, 2)
	assert.Equal(t, FallbackNarrative, log.turns[1].Text)
}

func TestHandlePlayerMessagePersistFailureIsHardError(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{`{"message": "ok", "options": []}`}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{appendErr: errors.New("disk full")}

	o := newTestOrchestrator(llmClient, api, log, nil)

	_, err := o.HandlePlayerMessage(context.Background(), "game-1", "rest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestHandlePlayerMessageContextDegradation(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{`{"message": "The fog thickens.", "options": []}`}}
	// Both context legs fail: no game info, no characters, assembler errors.
	api := &fakeGameAPI{}
	log := &fakeLog{}

	o := NewOrchestrator(NewRegistry(time.Hour), llmClient, api, log,
		&fakeAssembler{err: errors.New("query timeout")}, nil, Config{})

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "walk north")
	require.NoError(t, err, "context failures degrade, never abort")
	assert.Equal(t, "The fog thickens.", resp.Message)
}

func TestHandlePlayerMessageCharacterPatch(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "You take the blow.", "options": ["Fight on"], "update_character": {"health": 4}}`,
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "block the attack")
	require.NoError(t, err)
	assert.False(t, resp.GameOver)

	require.Len(t, api.patched, 1)
	assert.Equal(t, float64(4), api.patched[0]["health"])
	_, hasName := api.patched[0]["name"]
	assert.False(t, hasName, "untouched fields stay out of the patch payload")
}

func TestCharacterPatchWithoutPatchableFieldsUpdatesCache(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "A grim mood settles.", "options": [], "update_character": {"mood": "grim"}}`,
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	_, err := o.HandlePlayerMessage(context.Background(), "game-1", "read the letter")
	require.NoError(t, err)

	// Nothing whitelisted, so no PATCH leaves the process.
	assert.Empty(t, api.patched)

	// The merge still lands in the session cache.
	s, ok := o.registry.peek("game-1")
	require.True(t, ok)
	assert.Equal(t, "grim", s.characters[0]["mood"])
	assert.Equal(t, "Arden", s.characters[0]["name"], "existing fields survive the merge")
}

func TestHandlePlayerMessageDeathBranch(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "The dragon's claw finds its mark.", "options": [], "update_character": {"health": 0}}`,
		"Arden fell to the dragon after a long journey through the Shadow Keep.",
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "charge the dragon")
	require.NoError(t, err)

	assert.True(t, resp.GameOver)
	assert.True(t, resp.CharacterDeath)
	assert.Equal(t, "Arden", resp.CharacterName)
	assert.Empty(t, resp.Options, "a terminal reply offers no options")
	assert.Contains(t, resp.Message, "Arden fell to the dragon")
	assert.Contains(t, resp.Message, "The game has ended")
	assert.Equal(t, 2, llmClient.callCount(), "death adds exactly one summary inference")

	// The session now rejects further play.
	_, err = o.HandlePlayerMessage(context.Background(), "game-1", "stand up")
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestDeathSummarySeesFullTranscript(t *testing.T) {
	log := &fakeLog{}
	for i := 0; i < 15; i++ {
		_, _, err := log.AppendExchange(context.Background(), "game-1",
			fmt.Sprintf("journey step %d", i), fmt.Sprintf("the road continues %d", i), "")
		require.NoError(t, err)
	}

	llmClient := &fakeLLM{responses: []string{
		`{"message": "The ground gives way.", "options": [], "update_character": {"health": 0}}`,
		"A long road, ended.",
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}

	o := newTestOrchestrator(llmClient, api, log, nil)

	_, err := o.HandlePlayerMessage(context.Background(), "game-1", "step onto the bridge")
	require.NoError(t, err)

	// The summary prompt covers the whole session, first turn included.
	require.Len(t, llmClient.prompts, 2)
	assert.Contains(t, llmClient.prompts[1], "journey step 0")
	assert.Contains(t, llmClient.prompts[1], "journey step 14")
}

func TestDeathBranchSummaryFailureStillEndsSession(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "Everything goes dark.", "options": [], "update_character": {"health": -2}}`,
		// No second response queued: the summary inference fails.
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "drink the vial")
	require.NoError(t, err)

	assert.True(t, resp.GameOver)
	assert.NotEmpty(t, resp.Message)
	assert.Contains(t, resp.Message, "The game has ended")
}

func TestResetRevivesEndedSession(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "You fall.", "options": [], "update_character": {"health": 0}}`,
		"A short tragic tale.",
		`{"message": "A new adventure begins.", "options": ["Look around"]}`,
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	_, err := o.HandlePlayerMessage(context.Background(), "game-1", "jump")
	require.NoError(t, err)
	_, err = o.HandlePlayerMessage(context.Background(), "game-1", "hello?")
	require.ErrorIs(t, err, ErrSessionEnded)

	require.NoError(t, o.Reset(context.Background(), "game-1"))
	assert.Empty(t, log.turns, "reset clears the transcript")

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "wake up")
	require.NoError(t, err)
	assert.Equal(t, "A new adventure begins.", resp.Message)
}

func TestHandlePlayerMessageStartsImageJob(t *testing.T) {
	llmClient := &fakeLLM{responses: []string{
		`{"message": "A ruined tower looms ahead.", "options": ["Approach"], "need_image": true, "image_prompt": "ruined stone tower at dusk"}`,
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}
	images := newFakeImages()

	o := newTestOrchestrator(llmClient, api, log, images)

	resp, err := o.HandlePlayerMessage(context.Background(), "game-1", "approach the tower")
	require.NoError(t, err)

	require.NotNil(t, resp.ImageInfo)
	assert.Equal(t, "ruined stone tower at dusk", resp.ImageInfo.Prompt)

	images.waitForCall(t)
	require.Len(t, images.calls, 1)
	assert.True(t, images.accepts[0](), "result is accepted while the session is unchanged")

	// After a reset the stale result must be discarded.
	require.NoError(t, o.Reset(context.Background(), "game-1"))
	assert.False(t, images.accepts[0](), "reset invalidates in-flight image results")
}

func TestExchangesForOneSessionAreSerialized(t *testing.T) {
	var mu sync.Mutex
	var active, maxActive int

	llmClient := &trackingLLM{onCall: func() {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}}
	api := &fakeGameAPI{characters: []gamectx.Character{testCharacter()}}
	log := &fakeLog{}

	o := newTestOrchestrator(llmClient, api, log, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := o.HandlePlayerMessage(context.Background(), "game-1", fmt.Sprintf("action %d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "messages for one session must never interleave")
	assert.Len(t, log.turns, 8)

	// Sequence numbers are strictly increasing and gap-free.
	for i, turn := range log.turns {
		assert.Equal(t, int64(i+1), turn.Seq)
	}
}

type trackingLLM struct {
	onCall func()
}

func (f *trackingLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithOptions(ctx, prompt, llm.Options{})
}

func (f *trackingLLM) CompleteWithOptions(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	f.onCall()
	if strings.Contains(prompt, "Player input:") {
		return `{"message": "noted", "options": []}`, nil
	}
	return "summary", nil
}
