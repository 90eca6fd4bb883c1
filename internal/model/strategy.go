package model

import "strings"

// StrategyName identifies a remediation hypothesis.
type StrategyName string

const (
	StrategyRollbackSimulation StrategyName = "rollback_simulation"
	StrategyCSSPatchTargeted   StrategyName = "css_patch_targeted"
	StrategyDOMRemoval         StrategyName = "dom_removal"
	StrategyStyleOverride      StrategyName = "style_override"
	StrategyJSInjection        StrategyName = "js_injection"
	StrategyCacheClear         StrategyName = "cache_clear"

	// StrategyNone is remembered for cycles that found no viable strategy.
	StrategyNone StrategyName = "none"
)

// KnownStrategies is the fixed vocabulary, in no particular order.
var KnownStrategies = []StrategyName{
	StrategyRollbackSimulation,
	StrategyCSSPatchTargeted,
	StrategyDOMRemoval,
	StrategyStyleOverride,
	StrategyJSInjection,
	StrategyCacheClear,
}

// IsKnown reports whether s is part of the fixed vocabulary.
func (s StrategyName) IsKnown() bool {
	for _, k := range KnownStrategies {
		if s == k {
			return true
		}
	}
	return false
}

// NormalizeStrategyName lowercases, trims and snake-cases a free-form name.
func NormalizeStrategyName(raw string) StrategyName {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return StrategyName(s)
}

// StrategyOrigin records why a strategy was selected.
type StrategyOrigin string

const (
	OriginLLM      StrategyOrigin = "llm"
	OriginBaseline StrategyOrigin = "baseline"
	OriginFallback StrategyOrigin = "fallback"
	OriginMemory   StrategyOrigin = "memory"
)

// StrategyDefinition is one candidate for a dream cycle. Lower Priority runs
// first and wins ties.
type StrategyDefinition struct {
	Name        StrategyName   `json:"name"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Origin      StrategyOrigin `json:"origin"`
}
