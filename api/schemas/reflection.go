package schemas

// -- Reflection Schemas --
//
// These types form the wire contract between the reflection-producing collaborator
// (an LLM wrapped by the prompt/parsing layer) and the tuning core. They round-trip
// through JSON with the field names given here, and they are validated at
// construction time: a ReflectionOutput that reaches the stores is structurally
// sound by contract.

// ReflectionSchemaVersion is the fixed version tag carried by every envelope.
const ReflectionSchemaVersion = "1.0"

// ReflectionStatus is the closed set of outcomes a reflection run can report.
type ReflectionStatus string

const (
	StatusSuccessUpdatesProposed  ReflectionStatus = "success_updates_proposed"
	StatusSuccessNoUpdates        ReflectionStatus = "success_no_updates"
	StatusFailureParsingInput     ReflectionStatus = "failure_parsing_input"
	StatusFailureUpdateGeneration ReflectionStatus = "failure_update_generation"
	StatusFailureInternalError    ReflectionStatus = "failure_internal_error"
)

// validStatuses enumerates the accepted status values for validation.
var validStatuses = map[ReflectionStatus]bool{
	StatusSuccessUpdatesProposed:  true,
	StatusSuccessNoUpdates:        true,
	StatusFailureParsingInput:     true,
	StatusFailureUpdateGeneration: true,
	StatusFailureInternalError:    true,
}

// ValidationError reports a contract violation detected while constructing or
// validating a reflection payload. These are programming/contract errors from the
// upstream producer, not expected runtime conditions, so they are the one place
// this package uses hard failures.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "schema validation failed: " + e.Field + ": " + e.Reason
}

// ParameterAdjustment proposes a new value for a single named parameter of a
// heuristic. NewValue is deliberately untyped; the heuristic store coerces it to
// the parameter's declared kind and rejects what does not fit.
type ParameterAdjustment struct {
	ParameterName string      `json:"parameter_name"`
	NewValue      interface{} `json:"new_value"`
	Reasoning     string      `json:"reasoning,omitempty"`
}

// Validate checks the adjustment's structural invariants.
func (a *ParameterAdjustment) Validate() error {
	if a.ParameterName == "" {
		return &ValidationError{Field: "parameter_name", Reason: "must not be empty"}
	}
	return nil
}

// HeuristicUpdate proposes adjustments to an existing heuristic's parameters.
//
// NewDefinitionCode and IsActive are reserved for a future capability (replacing a
// heuristic's implementation wholesale); the store does not consume them yet.
type HeuristicUpdate struct {
	HeuristicID          string                `json:"heuristic_id"`
	ParameterAdjustments []ParameterAdjustment `json:"parameter_adjustments"`
	ChangeDescription    string                `json:"change_description"`
	NewDefinitionCode    string                `json:"new_definition_code,omitempty"`
	IsActive             *bool                 `json:"is_active,omitempty"`
}

// Validate checks the update's structural invariants. An empty adjustment list is
// legal at this layer; the store reports it as an ordinary rejection.
func (u *HeuristicUpdate) Validate() error {
	if u.HeuristicID == "" {
		return &ValidationError{Field: "heuristic_id", Reason: "must not be empty"}
	}
	if u.ChangeDescription == "" {
		return &ValidationError{Field: "change_description", Reason: "must not be empty"}
	}
	for i := range u.ParameterAdjustments {
		if err := u.ParameterAdjustments[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SegmentAction identifies how a named segment of a prompt template should change.
type SegmentAction string

const (
	SegmentReplace SegmentAction = "replace"
	SegmentAppend  SegmentAction = "append"
	SegmentPrepend SegmentAction = "prepend"
	SegmentDelete  SegmentAction = "delete"
)

var validSegmentActions = map[SegmentAction]bool{
	SegmentReplace: true,
	SegmentAppend:  true,
	SegmentPrepend: true,
	SegmentDelete:  true,
}

// SegmentModification targets one named segment within a prompt template.
type SegmentModification struct {
	SegmentID  string        `json:"segment_id"`
	NewContent string        `json:"new_content"`
	Action     SegmentAction `json:"action"`
}

// Validate checks the modification's structural invariants. NewContent may be
// empty only for the delete action.
func (m *SegmentModification) Validate() error {
	if m.SegmentID == "" {
		return &ValidationError{Field: "segment_id", Reason: "must not be empty"}
	}
	if !validSegmentActions[m.Action] {
		return &ValidationError{Field: "action", Reason: "unknown segment action " + string(m.Action)}
	}
	if m.NewContent == "" && m.Action != SegmentDelete {
		return &ValidationError{Field: "new_content", Reason: "must not be empty for action " + string(m.Action)}
	}
	return nil
}

// PromptModification proposes a change to a registered prompt template. Exactly
// one of NewFullTemplate or SegmentModifications must be provided; an empty
// template string counts as "not provided".
type PromptModification struct {
	PromptID             string                `json:"prompt_id"`
	ChangeDescription    string                `json:"change_description"`
	NewFullTemplate      string                `json:"new_full_template,omitempty"`
	SegmentModifications []SegmentModification `json:"segment_modifications,omitempty"`
}

// HasFullTemplate reports whether the modification carries a whole-template
// replacement.
func (m *PromptModification) HasFullTemplate() bool {
	return m.NewFullTemplate != ""
}

// Validate checks the exactly-one-of invariant and the nested segments.
func (m *PromptModification) Validate() error {
	if m.PromptID == "" {
		return &ValidationError{Field: "prompt_id", Reason: "must not be empty"}
	}
	if m.ChangeDescription == "" {
		return &ValidationError{Field: "change_description", Reason: "must not be empty"}
	}
	hasFull := m.HasFullTemplate()
	hasSegments := len(m.SegmentModifications) > 0
	if hasFull == hasSegments {
		return &ValidationError{
			Field:  "prompt_modification",
			Reason: "exactly one of new_full_template or segment_modifications must be set",
		}
	}
	for i := range m.SegmentModifications {
		if err := m.SegmentModifications[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ReflectionOutput is the validated envelope produced by interpreting a
// reflection response. It carries zero or more proposed updates for the
// heuristic and prompt stores.
type ReflectionOutput struct {
	SchemaVersion       string               `json:"schema_version"`
	RunID               string               `json:"run_id"`
	Status              ReflectionStatus     `json:"status"`
	Message             string               `json:"message"`
	ConfidenceScore     *float64             `json:"confidence_score,omitempty"`
	HeuristicUpdates    []HeuristicUpdate    `json:"heuristic_updates"`
	PromptModifications []PromptModification `json:"prompt_modifications"`
}

// HasUpdates reports whether the envelope proposes at least one update.
func (r *ReflectionOutput) HasUpdates() bool {
	return len(r.HeuristicUpdates) > 0 || len(r.PromptModifications) > 0
}

// Validate enforces the envelope invariant: a success_updates_proposed envelope
// must carry at least one update and a confidence score; every other status must
// carry neither.
func (r *ReflectionOutput) Validate() error {
	if !validStatuses[r.Status] {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(r.Status)}
	}
	if r.ConfidenceScore != nil && (*r.ConfidenceScore < 0.0 || *r.ConfidenceScore > 1.0) {
		return &ValidationError{Field: "confidence_score", Reason: "must be within [0.0, 1.0]"}
	}
	if r.Status == StatusSuccessUpdatesProposed {
		if !r.HasUpdates() {
			return &ValidationError{
				Field:  "status",
				Reason: "success_updates_proposed requires at least one proposed update",
			}
		}
		if r.ConfidenceScore == nil {
			return &ValidationError{
				Field:  "confidence_score",
				Reason: "required when status is success_updates_proposed",
			}
		}
	} else {
		if r.HasUpdates() {
			return &ValidationError{
				Field:  "status",
				Reason: string(r.Status) + " must not carry proposed updates",
			}
		}
		if r.ConfidenceScore != nil {
			return &ValidationError{
				Field:  "confidence_score",
				Reason: "must be absent unless status is success_updates_proposed",
			}
		}
	}
	for i := range r.HeuristicUpdates {
		if err := r.HeuristicUpdates[i].Validate(); err != nil {
			return err
		}
	}
	for i := range r.PromptModifications {
		if err := r.PromptModifications[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NewReflectionOutput constructs a validated envelope. It is the construction
// path producers should use; Validate is re-run so an invalid combination fails
// here rather than downstream.
func NewReflectionOutput(runID string, status ReflectionStatus, message string, confidence *float64, heuristics []HeuristicUpdate, prompts []PromptModification) (*ReflectionOutput, error) {
	out := &ReflectionOutput{
		SchemaVersion:       ReflectionSchemaVersion,
		RunID:               runID,
		Status:              status,
		Message:             message,
		ConfidenceScore:     confidence,
		HeuristicUpdates:    heuristics,
		PromptModifications: prompts,
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
