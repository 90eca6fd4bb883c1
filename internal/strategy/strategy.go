// Package strategy turns a diagnosis into the ordered list of remediation
// candidates a dream cycle will try.
package strategy

import (
	"sort"

	"github.com/raysh454/lucid/internal/model"
)

const (
	// LLM suggestions start here, in suggestion order.
	PriorityLLM = 10
	// PriorityBaseline is the rollback safety net.
	PriorityBaseline = 50
	// Deterministic fallbacks start here, in table order.
	PriorityFallback = 60

	// BoostThreshold is the score a past resolution needs before it biases
	// selection.
	BoostThreshold = 0.8
)

var descriptions = map[model.StrategyName]string{
	model.StrategyRollbackSimulation: "Open the newest prior ready deployment and evaluate it",
	model.StrategyCSSPatchTargeted:   "Neutralise the blocking element with targeted CSS",
	model.StrategyDOMRemoval:         "Remove the blocking element from the DOM",
	model.StrategyStyleOverride:      "Force pointer events on interactive elements with a global override",
	model.StrategyJSInjection:        "Scan computed styles for viewport-covering layers and disable them",
	model.StrategyCacheClear:         "Clear browser cache and storage, then reload",
}

// Describe returns a human description for name.
func Describe(name model.StrategyName) string {
	if d, ok := descriptions[name]; ok {
		return d
	}
	return "Novel strategy proposed by diagnosis (heuristic overlay neutralisation)"
}

// Fallbacks returns the deterministic candidates for an incident type.
func Fallbacks(t model.IncidentType) []model.StrategyName {
	switch t {
	case model.IncidentVisualOcclusion:
		return []model.StrategyName{
			model.StrategyCSSPatchTargeted,
			model.StrategyDOMRemoval,
			model.StrategyStyleOverride,
			model.StrategyJSInjection,
		}
	case model.IncidentElementUnclickable:
		return []model.StrategyName{
			model.StrategyStyleOverride,
			model.StrategyJSInjection,
			model.StrategyCSSPatchTargeted,
		}
	case model.IncidentLayoutShift:
		return []model.StrategyName{model.StrategyCSSPatchTargeted, model.StrategyCacheClear}
	case model.IncidentContentMissing:
		return []model.StrategyName{model.StrategyCacheClear}
	default:
		return []model.StrategyName{model.StrategyCSSPatchTargeted}
	}
}

// Select merges diagnosis suggestions, the rollback baseline and the
// type-keyed fallbacks, boosts the best past resolution, and returns the
// list sorted by ascending priority. The incident is not modified.
func Select(inc *model.Incident, diag model.Diagnosis, past []model.IncidentMemory) []model.StrategyDefinition {
	var (
		out  []model.StrategyDefinition
		seen = make(map[model.StrategyName]int)
	)
	add := func(name model.StrategyName, prio int, origin model.StrategyOrigin) bool {
		if name == "" {
			return false
		}
		if _, dup := seen[name]; dup {
			return false
		}
		seen[name] = len(out)
		out = append(out, model.StrategyDefinition{
			Name:        name,
			Description: Describe(name),
			Priority:    prio,
			Origin:      origin,
		})
		return true
	}

	prio := PriorityLLM
	for _, raw := range diag.SuggestedStrategies {
		if add(model.NormalizeStrategyName(raw), prio, model.OriginLLM) {
			prio++
		}
	}

	add(model.StrategyRollbackSimulation, PriorityBaseline, model.OriginBaseline)

	incType := model.IncidentUnknown
	if inc != nil && inc.Type != "" {
		incType = inc.Type
	}
	prio = PriorityFallback
	for _, name := range Fallbacks(incType) {
		if add(name, prio, model.OriginFallback) {
			prio++
		}
	}

	if best, ok := bestPast(past); ok {
		if idx, present := seen[best]; present {
			top := out[0].Priority
			for _, d := range out {
				if d.Priority < top {
					top = d.Priority
				}
			}
			boosted := top - 1
			if boosted > 0 {
				boosted = 0
			}
			out[idx].Priority = boosted
			out[idx].Origin = model.OriginMemory
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// bestPast returns the strategy of the highest-scoring past resolution above
// BoostThreshold. Earlier entries win ties.
func bestPast(past []model.IncidentMemory) (model.StrategyName, bool) {
	var (
		best  model.StrategyName
		score float64
		found bool
	)
	for _, m := range past {
		if m.Score <= BoostThreshold || m.StrategyUsed == "" || m.StrategyUsed == "none" {
			continue
		}
		if !found || m.Score > score {
			best, score, found = model.NormalizeStrategyName(string(m.StrategyUsed)), m.Score, true
		}
	}
	return best, found
}
