package tuning

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/api/schemas"
	"github.com/kmnops/kmn-agent/internal/audit"
)

// Manager type tags recorded in every audit entry.
const (
	ManagerHeuristic = "heuristic_manager"
	ManagerPrompt    = "prompt_manager"
)

// FallbackRulesID is the built-in heuristic consulted by the disposition
// engine when no component-specific heuristic applies.
const FallbackRulesID = "fallback_rules"

// ConfidenceThresholdParam is the fallback_rules parameter guarded by the
// built-in range validator.
const ConfidenceThresholdParam = "confidence_threshold"

// ParamValidator vets a proposed value for one (heuristic, parameter) pair
// before coercion. A non-nil error rejects that single adjustment without
// aborting the rest of the batch.
type ParamValidator func(value interface{}) error

// HeuristicStore is the versioned store for heuristic parameter sets. Values
// are maps of parameter name to scalar value; each parameter's kind is
// declared at registration and enforced on every modification.
type HeuristicStore struct {
	c          *core[map[string]interface{}]
	kinds      map[string]map[string]ParamKind
	validators map[string]map[string]ParamValidator
}

// NewHeuristicStore builds a heuristic store writing its audit trail to sink.
// The built-in validator for fallback_rules.confidence_threshold is installed
// up front.
func NewHeuristicStore(logger *zap.Logger, sink *audit.Sink, opts Options) *HeuristicStore {
	s := &HeuristicStore{
		kinds:      make(map[string]map[string]ParamKind),
		validators: make(map[string]map[string]ParamValidator),
	}
	s.c = newCore(ManagerHeuristic, logger, sink, opts,
		cloneParams,
		func(m map[string]interface{}) bool { return len(m) == 0 },
	)
	s.c.onRegister = s.captureKinds
	s.installValidator(FallbackRulesID, ConfidenceThresholdParam, validateConfidenceThreshold)
	return s
}

// validateConfidenceThreshold requires a numeric value within [0.0, 1.0].
func validateConfidenceThreshold(value interface{}) error {
	f, ok := toFloat64(value)
	if !ok {
		return fmt.Errorf("confidence_threshold must be numeric, got %T", value)
	}
	if f < 0.0 || f > 1.0 {
		return fmt.Errorf("confidence_threshold must be within [0.0, 1.0], got %v", f)
	}
	return nil
}

// captureKinds records the declared kind of every parameter at registration.
// Runs under the store lock via the core's onRegister hook.
func (s *HeuristicStore) captureKinds(id string, params map[string]interface{}) {
	kinds := make(map[string]ParamKind, len(params))
	for name, value := range params {
		kinds[name] = kindOf(value)
	}
	s.kinds[id] = kinds
}

// installValidator registers v without taking the lock; only used during
// construction.
func (s *HeuristicStore) installValidator(heuristicID, param string, v ParamValidator) {
	if s.validators[heuristicID] == nil {
		s.validators[heuristicID] = make(map[string]ParamValidator)
	}
	s.validators[heuristicID][param] = v
}

// RegisterValidator adds a per-parameter validation hook. Later registrations
// for the same pair replace earlier ones.
func (s *HeuristicStore) RegisterValidator(heuristicID, param string, v ParamValidator) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.installValidator(heuristicID, param, v)
}

// Register installs a heuristic's parameter set at the given version. See
// core.Register for the versioning contract.
func (s *HeuristicStore) Register(id string, params map[string]interface{}, version int) bool {
	return s.c.Register(id, params, version)
}

// GetParameters returns a deep copy of the heuristic's current parameters.
func (s *HeuristicStore) GetParameters(id string) (map[string]interface{}, bool) {
	return s.c.Get(id)
}

// GetVersion returns the heuristic's current version.
func (s *HeuristicStore) GetVersion(id string) (int, bool) {
	return s.c.Version(id)
}

// GetHistory returns the bounded rollback history, oldest first.
func (s *HeuristicStore) GetHistory(id string) []Snapshot[map[string]interface{}] {
	return s.c.History(id)
}

// ListAll snapshots every registered heuristic's version and parameters.
func (s *HeuristicStore) ListAll() map[string]Snapshot[map[string]interface{}] {
	return s.c.ListAll()
}

// Rollback reverts the heuristic to a version recorded in its history.
func (s *HeuristicStore) Rollback(id string, targetVersion int) bool {
	return s.c.Rollback(id, targetVersion)
}

// ApplyModification applies a proposed update to an already registered
// heuristic. Adjustments are vetted independently: a failing validator, an
// unknown parameter name, or an uncoercible value skips that one adjustment
// and the rest of the batch still applies. The call commits (version+1) when
// at least one adjustment survives, and is a no-op returning false otherwise.
//
// Unknown heuristic ids and rate-limited calls return false without an audit
// record; every other outcome writes exactly one.
func (s *HeuristicStore) ApplyModification(upd schemas.HeuristicUpdate) bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	e, ok := s.c.entries[upd.HeuristicID]
	if !ok {
		s.c.logger.Warn("Modification for unknown heuristic",
			zap.String("heuristic_id", upd.HeuristicID))
		return false
	}
	if s.c.rateLimited(e) {
		s.c.logger.Debug("Modification rejected by rate limit",
			zap.String("heuristic_id", upd.HeuristicID))
		return false
	}

	oldVersion := e.version
	success, errMsg := s.applyAdjustments(e, upd)

	s.c.sink.Record(ManagerHeuristic, upd.HeuristicID, oldVersion, oldVersion+1, upd, success, errMsg)
	if success {
		s.c.logger.Info("Applied heuristic modification",
			zap.String("heuristic_id", upd.HeuristicID),
			zap.Int("new_version", e.version),
			zap.String("change", upd.ChangeDescription),
		)
	}
	return success
}

// applyAdjustments runs the adjustment loop against a working copy and commits
// when at least one adjustment applied. Unexpected panics are downgraded to an
// ordinary failure outcome so an internal fault can never abort the caller's
// workflow. Callers hold the store lock.
func (s *HeuristicStore) applyAdjustments(e *entry[map[string]interface{}], upd schemas.HeuristicUpdate) (success bool, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			errMsg = fmt.Sprintf("unexpected error applying modification: %v", r)
			s.c.logger.Error("Panic recovered during heuristic modification",
				zap.String("heuristic_id", upd.HeuristicID),
				zap.Any("panic_value", r),
			)
		}
	}()

	working := cloneParams(e.value)
	kinds := s.kinds[upd.HeuristicID]
	applied := 0
	var skipped []string

	for _, adj := range upd.ParameterAdjustments {
		if v := s.validatorFor(upd.HeuristicID, adj.ParameterName); v != nil {
			if err := v(adj.NewValue); err != nil {
				skipped = append(skipped, fmt.Sprintf("%s: validation failed: %v", adj.ParameterName, err))
				continue
			}
		}
		if _, exists := working[adj.ParameterName]; !exists {
			// Only Register can introduce new parameters.
			skipped = append(skipped, fmt.Sprintf("%s: unknown parameter", adj.ParameterName))
			continue
		}
		coerced, err := coerce(adj.NewValue, kinds[adj.ParameterName])
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", adj.ParameterName, err))
			continue
		}
		working[adj.ParameterName] = coerced
		applied++
	}

	if len(skipped) > 0 {
		s.c.logger.Warn("Skipped heuristic adjustments",
			zap.String("heuristic_id", upd.HeuristicID),
			zap.Strings("reasons", skipped),
		)
	}
	if applied == 0 {
		if len(skipped) == 0 {
			return false, "no adjustments applied: empty adjustment list"
		}
		return false, "no adjustments applied: " + strings.Join(skipped, "; ")
	}

	s.c.commit(e, working)
	return true, ""
}

func (s *HeuristicStore) validatorFor(heuristicID, param string) ParamValidator {
	if m, ok := s.validators[heuristicID]; ok {
		return m[param]
	}
	return nil
}
