package gamemaster

import "encoding/json"

// CharacterState is a mapping of named attributes for one character: numeric
// stats, inventory list, health, and free-form fields.
type CharacterState = map[string]interface{}

// MergeResult is the outcome of applying a patch to existing state.
type MergeResult struct {
	State CharacterState

	// Died is set when the merged health attribute is <= 0. Death is a
	// designed terminal state, not an error; the orchestrator runs the
	// death branch on it.
	Died bool
}

// Merge deep-merges a partial patch into existing character state and returns
// the new state. It is pure and total: inputs are never mutated and no input
// shape can make it fail.
//
// Rules:
//   - nested mappings merge recursively, so a patch can update one stat
//     without clobbering its siblings
//   - sequences (inventory) are replaced wholesale, never merged
//     element-wise; partial list edits are ambiguous without explicit
//     add/remove semantics
//   - any other pairing, including a type mismatch, resolves to the patch
//     value overwriting. This is intentional lossy behavior, documented for
//     callers, not an error.
//   - keys only in the patch are added; keys only in existing state are kept
func Merge(existing CharacterState, patch CharacterState) MergeResult {
	merged := mergeMaps(existing, patch)
	return MergeResult{
		State: merged,
		Died:  healthDepleted(merged),
	}
}

func mergeMaps(existing, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(existing)+len(patch))
	for k, v := range existing {
		out[k] = cloneValue(v)
	}

	for k, pv := range patch {
		ev, present := out[k]
		if !present {
			out[k] = cloneValue(pv)
			continue
		}

		em, eIsMap := ev.(map[string]interface{})
		pm, pIsMap := pv.(map[string]interface{})
		if eIsMap && pIsMap {
			out[k] = mergeMaps(em, pm)
			continue
		}

		// Sequences and scalars both resolve to overwrite.
		out[k] = cloneValue(pv)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values so merge output never aliases
// either input.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// healthDepleted reports whether the state's health attribute is <= 0.
// A missing or non-numeric health attribute means the character is alive.
func healthDepleted(state CharacterState) bool {
	health, ok := state["health"]
	if !ok {
		return false
	}
	n, ok := asFloat(health)
	return ok && n <= 0
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
