package gamemaster

import (
	"encoding/json"
	"fmt"
	"strings"

	"questmaster/internal/gamectx"
	"questmaster/internal/store"
)

// systemTemplate is the standing instruction set sent with every turn.
// The model must answer with a single JSON object so the reply parser
// can pick it out even when the model wraps it in prose or fences.
const systemTemplate = `You are the game master of a tabletop roleplaying game.

=== Core duties ===
- Run the game and narrate the story
- Adjudicate the outcome of player actions
- Decide when a scene is worth illustrating
- Adjust character records (stats, inventory, health) as events demand

=== Reply format ===
Always answer with a single JSON object. Include "update_character" only
when character records actually change.
{
    "message": "narration shown to the player",
    "options": ["choice 1", "choice 2", "choice 3"],
    "need_image": true/false,
    "image_prompt": "image generation prompt in English (only when needed)",
    "update_character": {
        "name": "only when it changes",
        "class": "only when it changes",
        "level": 3,
        "stats": {
            "strength": 15,
            "dexterity": 7,
            "wisdom": 5,
            "charisma": 3
        },
        "inventory": ["item 1", "item 2"],
        "health": 12
    }
}

Rules of thumb:
- update_character carries only the fields that changed, never the full sheet.
- image_prompt must be written in English, e.g. "medieval warrior fighting dragon in dark castle".

=== Table rules ===
1. Ground every answer in the character records provided below
2. Follow the scenario's setting and constraints
3. Refuse actions the character's stats or inventory cannot support
4. Keep narration natural and immersive
5. Offer three options when the scene allows it
6. Touch character records only when strictly necessary`

const playerTurnTemplate = `Player input: %s

Continue the game from that input.`

// deathSummaryTemplate asks for a prose epitaph, not JSON. The reply is
// embedded verbatim in the final message.
const deathSummaryTemplate = `The character has died. Using the information below, explain the
cause of death and retell the character's journey.

=== Character ===
Name: %s
Class: %s
Level: %v

=== Recent play ===
%s

=== Final action ===
%s

=== The moment of death ===
%s

Answer in this shape:
1. Explain the cause of death in two or three sentences
2. Retell the character's journey in three or four sentences, from first step to last
3. Close with one dramatic parting line

Write the whole thing as one continuous story.`

// BuildSystemPrompt stitches the standing instructions together with the
// current game context and the assembled conversation memory.
func BuildSystemPrompt(gameContext, chatSummary string) string {
	var sb strings.Builder
	sb.WriteString(systemTemplate)
	sb.WriteString("\n\n=== Current game context ===\n")
	if gameContext == "" {
		sb.WriteString("(no game context available)")
	} else {
		sb.WriteString(gameContext)
	}
	sb.WriteString("\n\n=== Conversation so far ===\n")
	if chatSummary == "" {
		sb.WriteString("This is a brand new session.")
	} else {
		sb.WriteString(chatSummary)
	}
	return sb.String()
}

// BuildPlayerPrompt wraps the raw player input for the main inference call.
func BuildPlayerPrompt(input string) string {
	return fmt.Sprintf(playerTurnTemplate, input)
}

// FormatGameContext renders game metadata and character sheets into the
// plain-text block the system prompt embeds. Missing pieces degrade to
// short placeholders instead of failing the turn.
func FormatGameContext(info *gamectx.GameInfo, characters []gamectx.Character) string {
	var parts []string

	if info != nil {
		parts = append(parts,
			"=== Game ===",
			fmt.Sprintf("- Title: %s", orUnknown(info.Title)),
			fmt.Sprintf("- Genre: %s", orUnknown(info.Genre)),
			"",
			"=== Scenario ===",
			fmt.Sprintf("- Hook: %s", info.Scenario.Hook),
			fmt.Sprintf("- Your role: %s", info.Scenario.Role),
			fmt.Sprintf("- Mission: %s", info.Scenario.Mission),
		)
	} else {
		parts = append(parts, "Game details could not be loaded.")
	}

	if len(characters) > 0 {
		parts = append(parts, "", "=== Characters ===")
		for _, ch := range characters {
			parts = append(parts, formatCharacter(ch)...)
		}
	}

	return strings.Join(parts, "\n")
}

func formatCharacter(ch gamectx.Character) []string {
	lines := []string{
		fmt.Sprintf("- Name: %v (ID: %v)", fieldOr(ch, "name", "unknown"), ch["id"]),
		fmt.Sprintf("  - Class: %v, Level: %v", fieldOr(ch, "class", "unknown"), fieldOr(ch, "level", 0)),
		fmt.Sprintf("  - Health: %v/%v", fieldOr(ch, "health", 0), fieldOr(ch, "maxHealth", 0)),
	}
	if stats, ok := ch["stats"]; ok {
		lines = append(lines, fmt.Sprintf("  - Stats: %s", compactJSON(stats)))
	}
	if inv, ok := ch["inventory"]; ok {
		lines = append(lines, fmt.Sprintf("  - Inventory: %s", compactJSON(inv)))
	}
	return lines
}

// BuildDeathPrompt assembles the one-off inference request used when a
// character's health reaches zero. history carries the tail of the full
// transcript, oldest first.
func BuildDeathPrompt(character CharacterState, history []store.Turn, finalAction, deathContext string) string {
	var historyText strings.Builder
	for i, turn := range history {
		if i > 0 {
			historyText.WriteString("\n")
		}
		switch turn.Role {
		case store.RolePlayer:
			historyText.WriteString("Player: ")
		default:
			historyText.WriteString("GM: ")
		}
		historyText.WriteString(turn.Text)
	}

	return fmt.Sprintf(deathSummaryTemplate,
		fieldOr(character, "name", "unknown"),
		fieldOr(character, "class", "unknown"),
		fieldOr(character, "level", 1),
		historyText.String(),
		finalAction,
		deathContext,
	)
}

// FormatDeathMessage frames the model's epitaph into the terminal message
// shown to the player once the session is over.
func FormatDeathMessage(character CharacterState, summary string) string {
	name := fmt.Sprintf("%v", fieldOr(character, "name", "the adventurer"))
	maxHealth := fieldOr(character, "maxHealth", 0)
	return fmt.Sprintf(`
═══════════════════════════════════════
        The last of %s
═══════════════════════════════════════

%s

Health: 0/%v

The game has ended.
═══════════════════════════════════════
`, name, summary, maxHealth)
}

// FallbackDeathMessage covers the case where the epitaph inference itself
// fails. The session still ends.
func FallbackDeathMessage(character CharacterState) string {
	name := fmt.Sprintf("%v", fieldOr(character, "name", "The character"))
	return fmt.Sprintf("%s has fallen...\n\nThe game has ended.", name)
}

func fieldOr(m map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return fallback
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
