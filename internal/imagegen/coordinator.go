package imagegen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"questmaster/internal/logging"
)

// ErrJobTimeout marks a job that never reached a terminal state before
// the polling ceiling. Timed-out jobs are not retried; a fresh narrative
// turn is the only way to ask again.
var ErrJobTimeout = errors.New("image job timed out")

// ImageEvent is emitted toward the player channel when a job completes.
// At most one event is produced per triggering exchange.
type ImageEvent struct {
	SessionKey string    `json:"game_id"`
	Prompt     string    `json:"prompt"`
	ImageURLs  []string  `json:"image_urls"`
	Timestamp  time.Time `json:"timestamp"`
}

// recorder writes the finished image back into conversation memory so
// later retrieval can surface it.
type recorder interface {
	AddDocument(ctx context.Context, sessionKey, content string, metadata map[string]interface{}) error
}

// Config tunes one Coordinator.
type Config struct {
	StorageDir   string
	BaseURL      string
	PollInterval time.Duration
	JobCeiling   time.Duration
}

// Coordinator runs individual image jobs to completion: submit, poll at
// a fixed interval until done or the ceiling passes, persist the result
// under a deterministic name, emit the player-facing event. Jobs across
// sessions are independent and unordered.
type Coordinator struct {
	service Service
	store   recorder
	sink    func(ImageEvent)
	cfg     Config
}

// NewCoordinator wires a coordinator. sink may be nil when no transport
// is listening; store may be nil to skip memory recording.
func NewCoordinator(service Service, store recorder, sink func(ImageEvent), cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobCeiling <= 0 {
		cfg.JobCeiling = 300 * time.Second
	}
	return &Coordinator{service: service, store: store, sink: sink, cfg: cfg}
}

// Generate drives one job to a terminal state and returns the stored
// image URLs. accept, if non-nil, is consulted after the job finishes;
// when it reports false the result is discarded with no file written,
// no memory record, and no event. Blocks up to the job ceiling.
func (c *Coordinator) Generate(ctx context.Context, sessionKey, prompt string, accept func() bool) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryImage, "image job "+sessionKey)
	defer timer.Stop()

	jobID, err := c.service.SubmitJob(ctx, prompt)
	if err != nil {
		logging.ImageError("submit failed for %s: %v", sessionKey, err)
		return nil, fmt.Errorf("submitting image job: %w", err)
	}
	logging.Image("job queued for %s: %s (%q)", sessionKey, jobID, prompt)

	files, err := c.awaitCompletion(ctx, sessionKey, jobID)
	if err != nil {
		return nil, err
	}

	if accept != nil && !accept() {
		logging.Image("job %s finished but session %s moved on, result discarded", jobID, sessionKey)
		return nil, nil
	}

	urls, err := c.storeFiles(sessionKey, files)
	if err != nil {
		return nil, err
	}

	c.recordAndEmit(ctx, sessionKey, prompt, urls)
	return urls, nil
}

// awaitCompletion polls until the job reaches a terminal state or the
// ceiling elapses. Transient poll errors are logged and retried on the
// next tick.
func (c *Coordinator) awaitCompletion(ctx context.Context, sessionKey, jobID string) ([]File, error) {
	deadline := time.NewTimer(c.cfg.JobCeiling)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			logging.ImageError("job %s for %s hit the %s ceiling", jobID, sessionKey, c.cfg.JobCeiling)
			return nil, ErrJobTimeout
		case <-tick.C:
			status, files, err := c.service.PollJob(ctx, jobID)
			switch status {
			case StatusComplete:
				logging.Image("job %s complete for %s, %d image(s)", jobID, sessionKey, len(files))
				return files, nil
			case StatusFailed:
				logging.ImageError("job %s failed for %s: %v", jobID, sessionKey, err)
				return nil, fmt.Errorf("image job %s failed: %w", jobID, err)
			default:
				if err != nil {
					logging.ImageDebug("poll error for job %s, retrying: %v", jobID, err)
				}
			}
		}
	}
}

// storeFiles writes each image under the storage dir with a name derived
// from the session, a millisecond timestamp, and a short random token,
// keeping the service's file extension.
func (c *Coordinator) storeFiles(sessionKey string, files []File) ([]string, error) {
	if err := os.MkdirAll(c.cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image dir: %w", err)
	}

	urls := make([]string, 0, len(files))
	for _, f := range files {
		name := fmt.Sprintf("game_%s_%d_%s.%s",
			sessionKey, time.Now().UnixMilli(), uuid.NewString()[:8], f.Ext)

		path := filepath.Join(c.cfg.StorageDir, name)
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}

		urls = append(urls, strings.TrimRight(c.cfg.BaseURL, "/")+"/"+name)
		logging.ImageDebug("stored %s (%d bytes)", path, len(f.Data))
	}
	return urls, nil
}

// recordAndEmit pushes the finished image into conversation memory and
// fires the player-facing event. Both are best effort.
func (c *Coordinator) recordAndEmit(ctx context.Context, sessionKey, prompt string, urls []string) {
	if len(urls) == 0 {
		return
	}

	if c.store != nil {
		content := fmt.Sprintf("[Generated image]\nPrompt: %s\nURL: %s", prompt, urls[0])
		meta := map[string]interface{}{
			"kind":        "image",
			"role":        "assistant",
			"session_key": sessionKey,
			"prompt":      prompt,
			"image_url":   urls[0],
			"timestamp":   time.Now().Format(time.RFC3339),
		}
		if err := c.store.AddDocument(ctx, sessionKey, content, meta); err != nil {
			logging.ImageWarn("recording image doc for %s failed: %v", sessionKey, err)
		}
	}

	if c.sink != nil {
		c.sink(ImageEvent{
			SessionKey: sessionKey,
			Prompt:     prompt,
			ImageURLs:  urls,
			Timestamp:  time.Now(),
		})
	}
}
