// Package gamectx is the client for the external game/character context
// service. The service owns game metadata and durable character records; this
// process only reads them for prompt construction and patches character state
// after a merge.
package gamectx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GameInfo is the structured game record returned by the context service.
type GameInfo struct {
	Title    string   `json:"title"`
	Genre    string   `json:"genre"`
	Scenario Scenario `json:"scenario"`
}

// Scenario describes the framing of a play-through.
type Scenario struct {
	Hook    string `json:"hook"`
	Role    string `json:"role"`
	Mission string `json:"mission"`
}

// Character is a flexible attribute mapping: numeric stats, inventory list,
// health, and free-form fields, keyed by attribute name.
type Character = map[string]interface{}

// Client calls the external game-context HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new game-context client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GameContext fetches the game record for a session.
func (c *Client) GameContext(ctx context.Context, sessionKey string) (*GameInfo, error) {
	var info GameInfo
	url := fmt.Sprintf("%s/api/games/%s/title", c.baseURL, sessionKey)
	if err := c.getJSON(ctx, url, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch game context: %w", err)
	}
	return &info, nil
}

// Characters fetches the active character set for a session.
func (c *Client) Characters(ctx context.Context, sessionKey string) ([]Character, error) {
	var chars []Character
	url := fmt.Sprintf("%s/api/games/%s/characters", c.baseURL, sessionKey)
	if err := c.getJSON(ctx, url, &chars); err != nil {
		return nil, fmt.Errorf("failed to fetch characters: %w", err)
	}
	return chars, nil
}

// PatchCharacter sends merged character fields to the context service.
// Returns the character record as the service now holds it.
func (c *Client) PatchCharacter(ctx context.Context, sessionKey string, fields Character) (Character, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}

	url := fmt.Sprintf("%s/api/characters/game/%s", c.baseURL, sessionKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("patch request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("patch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var updated Character
	if err := json.Unmarshal(body, &updated); err != nil {
		return nil, fmt.Errorf("failed to parse patched character: %w", err)
	}
	return updated, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
