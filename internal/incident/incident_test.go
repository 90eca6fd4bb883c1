package incident_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/lucid/internal/incident"
	"github.com/raysh454/lucid/internal/model"
)

func result(flows ...model.FlowResult) *model.PerceptionResult {
	return &model.PerceptionResult{TargetURL: "https://shop.test/", Flows: flows, DOMSnapshot: "<html></html>"}
}

func TestBuild_AllPassedYieldsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, incident.Build(result(model.FlowResult{Name: "a", Passed: true}), nil))
	assert.Nil(t, incident.Build(nil, nil))
}

func TestBuild_OcclusionIsCriticalVisualOcclusion(t *testing.T) {
	t.Parallel()
	overlay := &model.ElementLocator{Selector: "#promo", Position: "fixed", ZIndex: "9999", Opacity: "0"}
	inc := incident.Build(result(
		model.FlowResult{Name: "search", Passed: true},
		model.FlowResult{Name: "login", Passed: true},
		model.FlowResult{Name: "checkout", Occluded: true, Interceptor: overlay, Error: "click intercepted"},
	), &model.SiteProfile{Name: "Demo Shop"})

	require.NotNil(t, inc)
	assert.Equal(t, model.IncidentVisualOcclusion, inc.Type)
	assert.Equal(t, model.SeverityCritical, inc.Severity)
	assert.Equal(t, overlay, inc.BlockingElement)
	assert.NotEmpty(t, inc.ID)
	assert.False(t, inc.Timestamp.IsZero())
	assert.Equal(t, "https://shop.test/", inc.TargetURL)
	assert.Contains(t, inc.Description, "1 of 3 critical flows failed on Demo Shop: checkout")
	assert.Contains(t, inc.Description, "#promo (position fixed, z-index 9999, opacity 0)")
	assert.Equal(t, "checkout: click intercepted", inc.ErrorText)
}

func TestBuild_UnclickableSeverityByFraction(t *testing.T) {
	t.Parallel()
	high := incident.Build(result(
		model.FlowResult{Name: "a", Passed: true},
		model.FlowResult{Name: "b", Passed: true},
		model.FlowResult{Name: "c"},
	), nil)
	require.NotNil(t, high)
	assert.Equal(t, model.IncidentElementUnclickable, high.Type)
	assert.Equal(t, model.SeverityHigh, high.Severity)
	assert.Nil(t, high.BlockingElement)

	half := incident.Build(result(
		model.FlowResult{Name: "a", Passed: true},
		model.FlowResult{Name: "b"},
	), nil)
	require.NotNil(t, half)
	assert.Equal(t, model.SeverityCritical, half.Severity)
}

func TestBuild_UniqueIDs(t *testing.T) {
	t.Parallel()
	r := result(model.FlowResult{Name: "a"})
	assert.NotEqual(t, incident.Build(r, nil).ID, incident.Build(r, nil).ID)
}

func TestBuild_PassErrorWithoutFlows(t *testing.T) {
	t.Parallel()
	r := &model.PerceptionResult{TargetURL: "https://shop.test/", Error: "navigate: timeout"}
	inc := incident.Build(r, nil)
	require.NotNil(t, inc)
	assert.Equal(t, model.IncidentUnknown, inc.Type)
	assert.Equal(t, "navigate: timeout", inc.ErrorText)
}
