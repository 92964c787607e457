package tuning

import (
	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/api/schemas"
)

// ApplyReport summarizes how an envelope's proposed updates fared.
type ApplyReport struct {
	HeuristicsApplied  int
	HeuristicsRejected int
	PromptsApplied     int
	PromptsRejected    int
}

// Applied returns the total number of committed updates.
func (r ApplyReport) Applied() int {
	return r.HeuristicsApplied + r.PromptsApplied
}

// Rejected returns the total number of rejected updates.
func (r ApplyReport) Rejected() int {
	return r.HeuristicsRejected + r.PromptsRejected
}

// Dispatcher routes a validated reflection envelope to the matching stores.
// Updates are applied sequentially in envelope order; each outcome is already
// recorded by the store's own audit path, so the dispatcher only tallies.
type Dispatcher struct {
	logger     *zap.Logger
	heuristics *HeuristicStore
	prompts    *PromptStore
}

// NewDispatcher wires a dispatcher over the two stores.
func NewDispatcher(logger *zap.Logger, heuristics *HeuristicStore, prompts *PromptStore) *Dispatcher {
	return &Dispatcher{
		logger:     logger.Named("dispatcher"),
		heuristics: heuristics,
		prompts:    prompts,
	}
}

// Apply routes every proposed update in out to its store and reports the
// outcome counts. Envelopes without updates (any non-proposing status) yield
// an empty report.
func (d *Dispatcher) Apply(out *schemas.ReflectionOutput) ApplyReport {
	var report ApplyReport
	if out == nil || !out.HasUpdates() {
		return report
	}

	d.logger.Info("Applying reflection updates",
		zap.String("run_id", out.RunID),
		zap.Int("heuristic_updates", len(out.HeuristicUpdates)),
		zap.Int("prompt_modifications", len(out.PromptModifications)),
	)

	for i := range out.HeuristicUpdates {
		if d.heuristics.ApplyModification(out.HeuristicUpdates[i]) {
			report.HeuristicsApplied++
		} else {
			report.HeuristicsRejected++
		}
	}
	for i := range out.PromptModifications {
		if d.prompts.ApplyModification(out.PromptModifications[i]) {
			report.PromptsApplied++
		} else {
			report.PromptsRejected++
		}
	}

	d.logger.Info("Reflection updates applied",
		zap.String("run_id", out.RunID),
		zap.Int("applied", report.Applied()),
		zap.Int("rejected", report.Rejected()),
	)
	return report
}
