package strategy_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/strategy"
)

func names(defs []model.StrategyDefinition) []model.StrategyName {
	out := make([]model.StrategyName, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestSelect_OrderAndPriorities(t *testing.T) {
	t.Parallel()
	inc := &model.Incident{Type: model.IncidentVisualOcclusion}
	diag := model.Diagnosis{SuggestedStrategies: []string{"DOM Removal", "disable-service-worker", "dom_removal"}}

	got := strategy.Select(inc, diag, nil)

	want := []model.StrategyName{
		model.StrategyDOMRemoval,
		"disable_service_worker",
		model.StrategyRollbackSimulation,
		model.StrategyCSSPatchTargeted,
		model.StrategyStyleOverride,
		model.StrategyJSInjection,
	}
	if diff := cmp.Diff(want, names(got)); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	assert.Equal(t, 10, got[0].Priority)
	assert.Equal(t, 11, got[1].Priority)
	assert.Equal(t, model.OriginLLM, got[1].Origin)
	assert.Equal(t, 50, got[2].Priority)
	assert.Equal(t, model.OriginBaseline, got[2].Origin)
	// dom_removal was already present, so fallbacks continue from 60.
	assert.Equal(t, 60, got[3].Priority)
	assert.Equal(t, 61, got[4].Priority)
	assert.Equal(t, 62, got[5].Priority)
}

func TestSelect_AlwaysIncludesRollbackBaseline(t *testing.T) {
	t.Parallel()
	for _, typ := range []model.IncidentType{
		model.IncidentVisualOcclusion, model.IncidentElementUnclickable,
		model.IncidentLayoutShift, model.IncidentContentMissing, model.IncidentUnknown, "",
	} {
		got := strategy.Select(&model.Incident{Type: typ}, model.Diagnosis{}, nil)
		assert.Contains(t, names(got), model.StrategyRollbackSimulation, "type %q", typ)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Priority, got[i].Priority)
		}
	}
}

func TestSelect_VisualOcclusionGetsCSSAndDOMRemoval(t *testing.T) {
	t.Parallel()
	got := names(strategy.Select(&model.Incident{Type: model.IncidentVisualOcclusion}, model.Diagnosis{}, nil))
	assert.Contains(t, got, model.StrategyCSSPatchTargeted)
	assert.Contains(t, got, model.StrategyDOMRemoval)
	assert.Equal(t, model.StrategyRollbackSimulation, got[0])
}

func TestSelect_LearningBoost(t *testing.T) {
	t.Parallel()
	inc := &model.Incident{Type: model.IncidentVisualOcclusion}
	diag := model.Diagnosis{SuggestedStrategies: []string{"css_patch_targeted"}}
	past := []model.IncidentMemory{
		{StrategyUsed: model.StrategyCacheClear, Score: 0.95},
		{StrategyUsed: model.StrategyDOMRemoval, Score: 0.9},
		{StrategyUsed: model.StrategyStyleOverride, Score: 0.7},
	}

	// cache_clear scores highest but is not a candidate for occlusion, so no boost.
	got := strategy.Select(inc, diag, past)
	assert.Equal(t, model.StrategyCSSPatchTargeted, got[0].Name)

	past = past[1:]
	got = strategy.Select(inc, diag, past)
	require.Equal(t, model.StrategyDOMRemoval, got[0].Name)
	assert.Equal(t, 0, got[0].Priority)
	assert.Equal(t, model.OriginMemory, got[0].Origin)
	assert.Less(t, got[0].Priority, got[1].Priority)
}

func TestSelect_BoostRequiresScoreAboveThreshold(t *testing.T) {
	t.Parallel()
	inc := &model.Incident{Type: model.IncidentVisualOcclusion}
	past := []model.IncidentMemory{{StrategyUsed: model.StrategyJSInjection, Score: 0.8}}
	got := strategy.Select(inc, model.Diagnosis{}, past)
	assert.NotEqual(t, model.StrategyJSInjection, got[0].Name)
}

func TestSelect_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	inc := &model.Incident{Type: model.IncidentLayoutShift, Description: "shifted"}
	diag := model.Diagnosis{SuggestedStrategies: []string{"Cache Clear"}}
	_ = strategy.Select(inc, diag, nil)
	assert.Equal(t, "shifted", inc.Description)
	assert.Equal(t, []string{"Cache Clear"}, diag.SuggestedStrategies)
}
