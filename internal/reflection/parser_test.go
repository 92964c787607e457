package reflection

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/api/schemas"
)

const validPayload = `{
	"schema_version": "1.0",
	"run_id": "run-42",
	"status": "success_updates_proposed",
	"message": "threshold drift detected",
	"confidence_score": 0.85,
	"heuristic_updates": [{
		"heuristic_id": "fallback_rules",
		"parameter_adjustments": [{"parameter_name": "confidence_threshold", "new_value": 0.8}],
		"change_description": "raise threshold"
	}],
	"prompt_modifications": []
}`

func TestParseSuccess(t *testing.T) {
	parser := NewParser(zap.NewNop())

	t.Run("bare JSON", func(t *testing.T) {
		out := parser.Parse(validPayload, "caller-run")
		assert.Equal(t, schemas.StatusSuccessUpdatesProposed, out.Status)
		assert.Equal(t, "run-42", out.RunID, "payload run_id wins when present")
		require.Len(t, out.HeuristicUpdates, 1)
	})

	t.Run("markdown fenced JSON", func(t *testing.T) {
		fenced := "```json\n" + validPayload + "\n```"
		out := parser.Parse(fenced, "caller-run")
		assert.Equal(t, schemas.StatusSuccessUpdatesProposed, out.Status)
	})

	t.Run("JSON inside conversational text", func(t *testing.T) {
		chatty := "Here is my reflection on the last run:\n" + validPayload + "\nLet me know if you need more."
		out := parser.Parse(chatty, "caller-run")
		assert.Equal(t, schemas.StatusSuccessUpdatesProposed, out.Status)
	})

	t.Run("missing identity fields are back-filled", func(t *testing.T) {
		payload := `{"status": "success_no_updates", "message": "all stable"}`
		out := parser.Parse(payload, "caller-run")
		assert.Equal(t, schemas.StatusSuccessNoUpdates, out.Status)
		assert.Equal(t, "caller-run", out.RunID)
		assert.Equal(t, schemas.ReflectionSchemaVersion, out.SchemaVersion)
	})
}

func TestParseFailureIsTotal(t *testing.T) {
	parser := NewParser(zap.NewNop())

	inputs := map[string]string{
		"empty string":        "",
		"whitespace":          "   \n\t  ",
		"plain prose":         "I could not find anything worth changing.",
		"truncated JSON":      `{"status": "success_no_up`,
		"wrong shape":         `{"status": 17, "run_id": []}`,
		"array not object":    `[1, 2, 3]`,
		"fenced garbage":      "```json\nnot json at all\n```",
		"invariant violation": `{"status": "success_updates_proposed", "heuristic_updates": [], "prompt_modifications": []}`,
		"bad confidence":      `{"status": "success_no_updates", "confidence_score": 0.4}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			var out *schemas.ReflectionOutput
			assert.NotPanics(t, func() {
				out = parser.Parse(input, "caller-run")
			})
			require.NotNil(t, out)
			assert.Equal(t, schemas.StatusFailureParsingInput, out.Status)
			assert.Equal(t, "caller-run", out.RunID, "run_id always comes from the caller on failure")
			assert.Empty(t, out.HeuristicUpdates)
			assert.Empty(t, out.PromptModifications)
			assert.Nil(t, out.ConfidenceScore)
			assert.NotEmpty(t, out.Message)
			require.NoError(t, out.Validate(), "failure envelopes are themselves valid")
		})
	}
}

func TestParseDiagnosticIsBounded(t *testing.T) {
	parser := NewParser(zap.NewNop())

	huge := "{" + strings.Repeat("x", 10_000)
	out := parser.Parse(huge, "caller-run")
	assert.Equal(t, schemas.StatusFailureParsingInput, out.Status)
	assert.Less(t, len(out.Message), 1_000, "diagnostic must carry a bounded input prefix")

	t.Run("multi-byte input stays valid UTF-8", func(t *testing.T) {
		out := parser.Parse("{"+strings.Repeat("é", 2_000), "caller-run")
		assert.Equal(t, schemas.StatusFailureParsingInput, out.Status)
		assert.True(t, utf8.ValidString(out.Message))
	})
}

func TestTruncate(t *testing.T) {
	t.Run("short input passes through", func(t *testing.T) {
		assert.Equal(t, "héllo", truncate("héllo", 500))
	})

	t.Run("never splits a rune at the cut", func(t *testing.T) {
		// Two-byte runes; an odd byte limit lands mid-rune.
		s := strings.Repeat("é", 300)
		got := truncate(s, 499)
		assert.True(t, strings.HasSuffix(got, "..."))
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got), 499+len("..."))
	})
}

func TestExtractJSONObject(t *testing.T) {
	t.Run("prefers the fenced block", func(t *testing.T) {
		got, ok := extractJSONObject("```json\n{\"a\": 1}\n```")
		require.True(t, ok)
		assert.Equal(t, `{"a": 1}`, got)
	})

	t.Run("outermost braces in prose", func(t *testing.T) {
		got, ok := extractJSONObject(`prefix {"a": {"b": 2}} suffix`)
		require.True(t, ok)
		assert.Equal(t, `{"a": {"b": 2}}`, got)
	})

	t.Run("no object present", func(t *testing.T) {
		_, ok := extractJSONObject("nothing here")
		assert.False(t, ok)
	})
}
