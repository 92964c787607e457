// Package decision implements the disposition rule the tuning loop exists to
// serve: given observed performance for a component, choose Kill, Marry, or
// No Action. The thresholds live in the heuristic store, so a committed
// reflection update changes the very next decision.
package decision

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kmnops/kmn-agent/internal/tuning"
)

// Disposition is the action the agent takes for a component.
type Disposition string

const (
	DispositionKill     Disposition = "kill"
	DispositionMarry    Disposition = "marry"
	DispositionNoAction Disposition = "no_action"
)

// Default fallback_rules parameters. These seed the heuristic store on first
// run and back-fill any parameter a registered heuristic is missing.
const (
	defaultConfidenceThreshold = 0.7
	defaultKillErrorRate       = 0.5
	defaultMarrySuccessRate    = 0.95
)

// DefaultFallbackRules returns the seed parameter set for the fallback_rules
// heuristic.
func DefaultFallbackRules() map[string]interface{} {
	return map[string]interface{}{
		tuning.ConfidenceThresholdParam: defaultConfidenceThreshold,
		"kill_error_rate":               defaultKillErrorRate,
		"marry_success_rate":            defaultMarrySuccessRate,
	}
}

// Metrics is the observed performance of a component over the evaluation
// window.
type Metrics struct {
	ErrorRate   float64 `json:"error_rate"`
	SuccessRate float64 `json:"success_rate"`
}

// Decision is the outcome of evaluating one component.
type Decision struct {
	Component   string      `json:"component"`
	Disposition Disposition `json:"disposition"`
	Confidence  float64     `json:"confidence"`
	Reason      string      `json:"reason"`
}

// Engine evaluates components against the live fallback_rules thresholds.
type Engine struct {
	logger     *zap.Logger
	heuristics *tuning.HeuristicStore
}

// NewEngine wires an engine over the heuristic store.
func NewEngine(logger *zap.Logger, heuristics *tuning.HeuristicStore) *Engine {
	return &Engine{
		logger:     logger.Named("decision"),
		heuristics: heuristics,
	}
}

// Decide applies the threshold rule: an error rate at or above kill_error_rate
// proposes Kill, a success rate at or above marry_success_rate proposes Marry,
// anything else is No Action. A proposal whose confidence falls below
// confidence_threshold is downgraded to No Action rather than acted on.
func (e *Engine) Decide(component string, m Metrics) Decision {
	params, ok := e.heuristics.GetParameters(tuning.FallbackRulesID)
	if !ok {
		params = DefaultFallbackRules()
		e.logger.Warn("fallback_rules heuristic not registered; using defaults",
			zap.String("component", component))
	}

	confidenceThreshold := floatParam(params, tuning.ConfidenceThresholdParam, defaultConfidenceThreshold)
	killErrorRate := floatParam(params, "kill_error_rate", defaultKillErrorRate)
	marrySuccessRate := floatParam(params, "marry_success_rate", defaultMarrySuccessRate)

	d := Decision{Component: component, Disposition: DispositionNoAction}
	switch {
	case m.ErrorRate >= killErrorRate:
		d.Disposition = DispositionKill
		d.Confidence = m.ErrorRate
		d.Reason = fmt.Sprintf("error rate %.3f >= kill_error_rate %.3f", m.ErrorRate, killErrorRate)
	case m.SuccessRate >= marrySuccessRate:
		d.Disposition = DispositionMarry
		d.Confidence = m.SuccessRate
		d.Reason = fmt.Sprintf("success rate %.3f >= marry_success_rate %.3f", m.SuccessRate, marrySuccessRate)
	default:
		d.Confidence = 1.0 - m.ErrorRate
		d.Reason = "no threshold crossed"
	}

	if d.Disposition != DispositionNoAction && d.Confidence < confidenceThreshold {
		d.Reason = fmt.Sprintf("%s disposition withheld: confidence %.3f below threshold %.3f",
			d.Disposition, d.Confidence, confidenceThreshold)
		d.Disposition = DispositionNoAction
	}

	e.logger.Info("Component evaluated",
		zap.String("component", component),
		zap.String("disposition", string(d.Disposition)),
		zap.Float64("confidence", d.Confidence),
		zap.String("reason", d.Reason),
	)
	return d
}

func floatParam(params map[string]interface{}, name string, fallback float64) float64 {
	v, ok := params[name]
	if !ok {
		return fallback
	}
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int:
		return float64(f)
	default:
		return fallback
	}
}
