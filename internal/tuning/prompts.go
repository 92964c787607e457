package tuning

import (
	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/api/schemas"
	"github.com/kmnops/kmn-agent/internal/audit"
)

// PromptStore is the versioned store for named prompt templates. It shares
// the heuristic store's contract, specialized to whole-template replacement:
// segment-level patching is declared in the schema for forward compatibility
// but deliberately unimplemented here.
type PromptStore struct {
	c *core[string]
}

// NewPromptStore builds a prompt template store writing its audit trail to
// sink.
func NewPromptStore(logger *zap.Logger, sink *audit.Sink, opts Options) *PromptStore {
	return &PromptStore{
		c: newCore(ManagerPrompt, logger, sink, opts,
			func(s string) string { return s },
			func(s string) bool { return s == "" },
		),
	}
}

// Register installs a template at the given version. See core.Register for
// the versioning contract.
func (s *PromptStore) Register(id, template string, version int) bool {
	return s.c.Register(id, template, version)
}

// GetPrompt returns the current template for id.
func (s *PromptStore) GetPrompt(id string) (string, bool) {
	return s.c.Get(id)
}

// GetVersion returns the template's current version.
func (s *PromptStore) GetVersion(id string) (int, bool) {
	return s.c.Version(id)
}

// GetHistory returns the bounded rollback history, oldest first.
func (s *PromptStore) GetHistory(id string) []Snapshot[string] {
	return s.c.History(id)
}

// ListAll snapshots every registered template's version and content.
func (s *PromptStore) ListAll() map[string]Snapshot[string] {
	return s.c.ListAll()
}

// Rollback reverts the template to a version recorded in its history.
func (s *PromptStore) Rollback(id string, targetVersion int) bool {
	return s.c.Rollback(id, targetVersion)
}

// ApplyModification applies a proposed change to an already registered
// template. A whole-template replacement commits under the standard protocol
// (history push, version+1, rate-limit clock reset). Segment modifications
// are rejected as unsupported: the rejection is an ordinary failure outcome,
// recorded in the audit trail, not an error.
//
// Unknown prompt ids and rate-limited calls return false without an audit
// record; every other outcome writes exactly one.
func (s *PromptStore) ApplyModification(mod schemas.PromptModification) bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	e, ok := s.c.entries[mod.PromptID]
	if !ok {
		s.c.logger.Warn("Modification for unknown prompt",
			zap.String("prompt_id", mod.PromptID))
		return false
	}
	if s.c.rateLimited(e) {
		s.c.logger.Debug("Modification rejected by rate limit",
			zap.String("prompt_id", mod.PromptID))
		return false
	}

	oldVersion := e.version

	if !mod.HasFullTemplate() {
		s.c.logger.Warn("Segment-level prompt modification is not supported; rejecting",
			zap.String("prompt_id", mod.PromptID),
			zap.Int("segment_count", len(mod.SegmentModifications)),
		)
		s.c.sink.Record(ManagerPrompt, mod.PromptID, oldVersion, oldVersion+1, mod,
			false, "segment-level modifications are not supported")
		return false
	}

	s.c.commit(e, mod.NewFullTemplate)
	s.c.sink.Record(ManagerPrompt, mod.PromptID, oldVersion, oldVersion+1, mod, true, "")
	s.c.logger.Info("Applied prompt modification",
		zap.String("prompt_id", mod.PromptID),
		zap.Int("new_version", e.version),
		zap.String("change", mod.ChangeDescription),
	)
	return true
}
