// Package reflection converts free-form model responses into validated update
// envelopes. Parse is total: whatever the input, the caller gets back a
// well-formed envelope, never an error and never a panic.
package reflection

import (
	"fmt"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/api/schemas"
)

// maxDiagnosticLen bounds how much of an unparseable input is echoed into the
// failure envelope's message.
const maxDiagnosticLen = 500

// Parser interprets raw reflection responses against the envelope schema.
type Parser struct {
	logger *zap.Logger
}

// NewParser builds a parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("reflection")}
}

// Parse interprets raw as a serialized ReflectionOutput. Markdown fencing and
// surrounding prose are stripped before decoding. On any failure, structural or
// otherwise, the result is a failure_parsing_input envelope carrying the
// supplied runID and a bounded diagnostic; on success, run_id and
// schema_version are back-filled if the payload omitted them.
func (p *Parser) Parse(raw, runID string) (out *schemas.ReflectionOutput) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic recovered while parsing reflection response",
				zap.String("run_id", runID),
				zap.Any("panic_value", r),
			)
			out = p.failureEnvelope(runID, fmt.Sprintf("unexpected error parsing reflection response: %v", r))
		}
	}()

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return p.failureEnvelope(runID, "reflection response was empty")
	}

	candidate, ok := extractJSONObject(trimmed)
	if !ok {
		return p.failureEnvelope(runID, fmt.Sprintf(
			"no JSON object found in reflection response. Input (truncated): %s",
			truncate(trimmed, maxDiagnosticLen)))
	}

	var parsed schemas.ReflectionOutput
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return p.failureEnvelope(runID, fmt.Sprintf(
			"failed to decode reflection response: %v. Extracted JSON (truncated): %s",
			err, truncate(candidate, maxDiagnosticLen)))
	}

	// Defensive default-filling: the producer context wins over a payload that
	// forgot its identity fields.
	if parsed.RunID == "" {
		parsed.RunID = runID
	}
	if parsed.SchemaVersion == "" {
		parsed.SchemaVersion = schemas.ReflectionSchemaVersion
	}

	if err := parsed.Validate(); err != nil {
		return p.failureEnvelope(runID, fmt.Sprintf("reflection response failed validation: %v", err))
	}

	p.logger.Debug("Parsed reflection response",
		zap.String("run_id", parsed.RunID),
		zap.String("status", string(parsed.Status)),
		zap.Int("heuristic_updates", len(parsed.HeuristicUpdates)),
		zap.Int("prompt_modifications", len(parsed.PromptModifications)),
	)
	return &parsed
}

// failureEnvelope builds the well-formed envelope returned for every parse
// failure. run_id comes from the caller, never from the unparseable input.
func (p *Parser) failureEnvelope(runID, message string) *schemas.ReflectionOutput {
	p.logger.Warn("Reflection response rejected",
		zap.String("run_id", runID),
		zap.String("reason", message),
	)
	return &schemas.ReflectionOutput{
		SchemaVersion: schemas.ReflectionSchemaVersion,
		RunID:         runID,
		Status:        schemas.StatusFailureParsingInput,
		Message:       message,
	}
}

// truncate cuts s to at most maxLen bytes, backing up so a multi-byte rune is
// never split. The diagnostic ends up in envelopes and the audit trail, so it
// has to stay valid UTF-8.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
