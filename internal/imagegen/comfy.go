// Package imagegen drives scene illustration jobs against an external
// image-generation service. Jobs are submitted once and polled to a
// terminal state; there is no retry.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"questmaster/internal/logging"
)

// Status is the lifecycle state of one image job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
)

// File is one rendered image pulled back from the service.
type File struct {
	Data []byte
	Ext  string
}

// Service is the capability surface the coordinator needs from an image
// backend: queue a prompt, then poll until the job reaches a terminal
// state.
type Service interface {
	SubmitJob(ctx context.Context, prompt string) (string, error)
	PollJob(ctx context.Context, jobID string) (Status, []File, error)
}

// ComfyClient talks to a ComfyUI server. A workflow graph is queued with
// the scene prompt injected into the positive-conditioning node, and
// finished images are read back from the job history.
type ComfyClient struct {
	baseURL    string
	httpClient *http.Client
	workflow   map[string]json.RawMessage
	promptNode string
}

// defaultWorkflow is a minimal text-to-image graph. Node "6" holds the
// positive prompt and is rewritten per job.
const defaultWorkflow = `{
  "3": {
    "inputs": {
      "seed": 964096532003700,
      "steps": 20,
      "cfg": 8,
      "sampler_name": "euler",
      "scheduler": "normal",
      "denoise": 1,
      "model": ["4", 0],
      "positive": ["6", 0],
      "negative": ["7", 0],
      "latent_image": ["5", 0]
    },
    "class_type": "KSampler"
  },
  "4": {
    "inputs": {"ckpt_name": "animatBackgroundV1_04.safetensors"},
    "class_type": "CheckpointLoaderSimple"
  },
  "5": {
    "inputs": {"width": 1024, "height": 1024, "batch_size": 1},
    "class_type": "EmptyLatentImage"
  },
  "6": {
    "inputs": {"text": "", "clip": ["4", 1]},
    "class_type": "CLIPTextEncode"
  },
  "7": {
    "inputs": {"text": "text, watermark", "clip": ["4", 1]},
    "class_type": "CLIPTextEncode"
  },
  "8": {
    "inputs": {"samples": ["3", 0], "vae": ["4", 2]},
    "class_type": "VAEDecode"
  },
  "9": {
    "inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]},
    "class_type": "SaveImage"
  }
}`

// NewComfyClient builds a client for the given server. workflowPath may
// be empty, in which case the built-in graph is used.
func NewComfyClient(baseURL, workflowPath string) (*ComfyClient, error) {
	c := &ComfyClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		promptNode: "6",
	}

	raw := []byte(defaultWorkflow)
	if workflowPath != "" {
		data, err := os.ReadFile(workflowPath)
		if err != nil {
			return nil, fmt.Errorf("loading workflow %s: %w", workflowPath, err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, &c.workflow); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if _, ok := c.workflow[c.promptNode]; !ok {
		return nil, fmt.Errorf("workflow has no prompt node %q", c.promptNode)
	}
	return c, nil
}

// Available probes the server's stats endpoint.
func (c *ComfyClient) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type comfyNode struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

// SubmitJob injects the prompt into the workflow graph and queues it.
// The returned id is the server's prompt id.
func (c *ComfyClient) SubmitJob(ctx context.Context, prompt string) (string, error) {
	graph := make(map[string]interface{}, len(c.workflow))
	for id, raw := range c.workflow {
		if id == c.promptNode {
			var node comfyNode
			if err := json.Unmarshal(raw, &node); err != nil {
				return "", fmt.Errorf("decoding prompt node: %w", err)
			}
			node.Inputs["text"] = prompt
			graph[id] = node
			continue
		}
		graph[id] = raw
	}

	payload, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": uuid.NewString(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("queueing workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("queueing workflow: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", fmt.Errorf("decoding queue response: %w", err)
	}
	if queued.PromptID == "" {
		return "", fmt.Errorf("queue response carried no prompt id")
	}
	return queued.PromptID, nil
}

type historyOutput struct {
	Images []struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	} `json:"images"`
}

type historyEntry struct {
	Outputs map[string]historyOutput `json:"outputs"`
}

// PollJob checks the job history once. Absent entry means the job is
// still running; an entry without images means the graph produced
// nothing, which is terminal.
func (c *ComfyClient) PollJob(ctx context.Context, jobID string) (Status, []File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return StatusFailed, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusPending, nil, fmt.Errorf("polling history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return StatusPending, nil, fmt.Errorf("polling history: status %d", resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return StatusPending, nil, fmt.Errorf("decoding history: %w", err)
	}

	entry, done := history[jobID]
	if !done {
		return StatusPending, nil, nil
	}

	var files []File
	for nodeID, output := range entry.Outputs {
		for _, img := range output.Images {
			data, err := c.fetchImage(ctx, img.Filename, img.Subfolder, img.Type)
			if err != nil {
				logging.ImageWarn("image fetch failed (job %s, node %s): %v", jobID, nodeID, err)
				continue
			}
			files = append(files, File{Data: data, Ext: extOf(img.Filename)})
		}
	}
	if len(files) == 0 {
		return StatusFailed, nil, fmt.Errorf("job %s finished with no images", jobID)
	}
	return StatusComplete, files, nil
}

func (c *ComfyClient) fetchImage(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if folderType == "" {
		folderType = "output"
	}
	q.Set("type", folderType)
	if subfolder != "" {
		q.Set("subfolder", subfolder)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func extOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 && i < len(filename)-1 {
		return filename[i+1:]
	}
	return "png"
}
