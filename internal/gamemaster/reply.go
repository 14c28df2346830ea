// Package gamemaster implements the session orchestration core: hybrid
// context assembly, structured reply validation, character state merging, and
// the per-exchange state machine that ties them to the inference service.
package gamemaster

import (
	"encoding/json"
	"strings"

	"questmaster/internal/logging"
)

// FallbackNarrative is shown when the model produced an empty reply. An empty
// reply must never reach the player silently.
const FallbackNarrative = "The mists swirl and the tale falters for a moment. Please try that again."

// StructuredReply is the validated output of one inference call. Its fields
// are projected into turns and downstream calls; it is never persisted as-is.
type StructuredReply struct {
	Message         string                 `json:"message"`
	Options         []string               `json:"options"`
	NeedImage       bool                   `json:"need_image"`
	ImagePrompt     string                 `json:"image_prompt,omitempty"`
	UpdateCharacter map[string]interface{} `json:"update_character,omitempty"`
	GameOver        bool                   `json:"game_over,omitempty"`
}

// ParseReply converts raw inference output into a StructuredReply. It never
// fails: malformed input degrades to a reply that wraps the raw text, and an
// empty message is substituted with a fixed fallback narrative.
func ParseReply(raw string) StructuredReply {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		logging.SessionWarn("Inference returned an empty reply, substituting fallback narrative")
		return StructuredReply{Message: FallbackNarrative, Options: []string{}}
	}

	for _, candidate := range findJSONCandidates(trimmed) {
		var reply StructuredReply
		if err := json.Unmarshal([]byte(candidate), &reply); err != nil {
			continue
		}

		if strings.TrimSpace(reply.Message) == "" {
			// Structurally valid but narratively empty.
			logging.SessionWarn("Parsed reply carried no message, substituting fallback narrative")
			reply.Message = FallbackNarrative
			reply.Options = []string{}
			return reply
		}

		if reply.Options == nil {
			reply.Options = []string{}
		}
		return reply
	}

	// Malformed structure: the whole output becomes the narrative. This is
	// recoverable, not fatal; the turn still completes.
	logging.SessionWarn("Failed to parse structured reply, using raw output as narrative (len=%d)", len(trimmed))
	return StructuredReply{Message: trimmed, Options: []string{}}
}

// findJSONCandidates scans the input for top-level JSON object candidates.
// It handles nested braces and string escaping to identify boundaries, so a
// reply wrapped in prose or a code fence still yields its embedded object.
//
// It is safe to iterate bytes for the ASCII delimiters because UTF-8
// guarantees ASCII bytes never appear inside a multi-byte sequence.
func findJSONCandidates(s string) []string {
	var candidates []string
	var depth int
	start := -1
	var inString, escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		if b == '"' {
			inString = true
			continue
		}

		if b == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if b == '}' {
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}

	return candidates
}
