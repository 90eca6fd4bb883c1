package diagnosis_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/lucid/internal/diagnosis"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/testutil"
)

func sampleIncident() *model.Incident {
	return &model.Incident{
		ID:          "inc-1",
		Type:        model.IncidentVisualOcclusion,
		Severity:    model.SeverityCritical,
		Description: "1 of 1 critical flows failed on Demo: checkout.",
		TargetURL:   "https://shop.test/",
		DOMSnapshot: `<html><head><script src="https://cdn.promo.test/banner.js"></script><link rel="stylesheet" href="/app.css"></head><body><h1>Welcome</h1><div id="promo-overlay"></div></body></html>`,
		BlockingElement: &model.ElementLocator{
			Selector: "#promo-overlay", Position: "fixed", ZIndex: "9999", Opacity: "0",
		},
		Layout: []model.AnnotatedElement{{
			ElementLocator:   model.ElementLocator{Selector: "#promo-overlay", Position: "fixed"},
			Width:            1280,
			Height:           800,
			ViewportCoverage: 1,
		}},
	}
}

var profile = &model.SiteProfile{
	Name:          "Demo",
	URL:           "https://shop.test/",
	KnowledgeBase: []string{"Marketing ships banners through banner.js"},
}

// ─── Diagnose ──────────────────────────────────────────────────────────

func TestDiagnose_ParsesReply(t *testing.T) {
	t.Parallel()
	r := &testutil.FakeReasoner{Reply: func(reasoning.Prompt) string {
		return "```json\n" + `{"root_cause":"Transparent promo overlay","confidence":1.7,"category":"overlay",
		"suggested_strategies":["DOM Removal"," css_patch_targeted ",""],"reasoning":"z-index 9999"}` + "\n```"
	}}
	d := diagnosis.New(diagnosis.DefaultConfig(), r, nil, &testutil.DummyLogger{})

	diag := d.Diagnose(t.Context(), sampleIncident(), profile)

	assert.Equal(t, "Transparent promo overlay", diag.RootCause)
	assert.Equal(t, 1.0, diag.Confidence)
	assert.Equal(t, "overlay", diag.Category)
	assert.Equal(t, []string{"DOM Removal", "css_patch_targeted"}, diag.SuggestedStrategies)
	assert.False(t, diag.Fallback)
}

func TestDiagnose_PromptCarriesContext(t *testing.T) {
	t.Parallel()
	r := &testutil.FakeReasoner{Reply: func(reasoning.Prompt) string {
		return `{"root_cause":"x","confidence":0.5,"suggested_strategies":["dom_removal"]}`
	}}
	d := diagnosis.New(diagnosis.DefaultConfig(), r, nil, &testutil.DummyLogger{})
	diag := d.Diagnose(t.Context(), sampleIncident(), profile)
	assert.Equal(t, string(model.IncidentVisualOcclusion), diag.Category)

	require.Equal(t, 1, r.PromptCount())
	user := r.Prompts[0].User
	assert.Contains(t, user, "Type: visual-occlusion")
	assert.Contains(t, user, "#promo-overlay position=fixed z-index=9999 opacity=0")
	assert.Contains(t, user, "Marketing ships banners through banner.js")
	assert.Contains(t, user, "covering 100% of the viewport")
	assert.Contains(t, user, "Scripts: https://cdn.promo.test/banner.js")
	assert.Contains(t, user, "# Welcome")
	assert.NotEmpty(t, r.Prompts[0].System)
}

func TestDiagnose_MalformedReplyFallsBack(t *testing.T) {
	t.Parallel()
	log := &testutil.DummyLogger{}
	r := &testutil.FakeReasoner{Reply: func(reasoning.Prompt) string { return "I think it is an overlay." }}
	d := diagnosis.New(diagnosis.DefaultConfig(), r, nil, log)

	diag := d.Diagnose(t.Context(), sampleIncident(), profile)

	assert.True(t, diag.Fallback)
	assert.Equal(t, diagnosis.FallbackConfidence, diag.Confidence)
	assert.Equal(t, diagnosis.FallbackStrategies, diag.SuggestedStrategies)
	assert.Equal(t, 1, log.WarnCount())
}

func TestDiagnose_EmptyReplyFallsBack(t *testing.T) {
	t.Parallel()
	r := &testutil.FakeReasoner{Reply: func(reasoning.Prompt) string { return `{"confidence":0.9}` }}
	d := diagnosis.New(diagnosis.DefaultConfig(), r, nil, &testutil.DummyLogger{})
	assert.True(t, d.Diagnose(t.Context(), sampleIncident(), profile).Fallback)
}

func TestDiagnose_NoReasoner(t *testing.T) {
	t.Parallel()
	for name, r := range map[string]reasoning.Client{
		"nil":      nil,
		"disabled": reasoning.Disabled{},
		"error":    &testutil.FakeReasoner{GenerateErr: errors.New("rate limited")},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := diagnosis.New(diagnosis.Config{}, r, nil, &testutil.DummyLogger{})
			diag := d.Diagnose(t.Context(), sampleIncident(), nil)
			assert.True(t, diag.Fallback)
			assert.Equal(t, []string{"rollback_simulation", "css_patch_targeted"}, diag.SuggestedStrategies)
		})
	}
}

func TestFallback_IsIndependentCopy(t *testing.T) {
	t.Parallel()
	a := diagnosis.Fallback("x")
	a.SuggestedStrategies[0] = "mutated"
	assert.Equal(t, "rollback_simulation", diagnosis.Fallback("y").SuggestedStrategies[0])
}

// ─── Resources ─────────────────────────────────────────────────────────

func TestResources(t *testing.T) {
	t.Parallel()
	res := diagnosis.Resources(`<html><head>
		<script src="/a.js"></script><script src="/a.js"></script>
		<script>window.x = 1</script>
		<link rel="stylesheet" href="/s.css"><link rel="icon" href="/f.ico">
	</head><body></body></html>`)
	assert.Equal(t, []string{"/a.js"}, res.Scripts)
	assert.Equal(t, []string{"/s.css"}, res.Stylesheets)
	assert.Equal(t, 1, res.InlineScripts)
}
