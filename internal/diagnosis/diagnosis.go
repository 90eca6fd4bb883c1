// Package diagnosis asks the reasoning backend for a root-cause hypothesis
// for an incident and degrades to a fixed default when it cannot get one.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/snapshot"
)

// FallbackConfidence is the confidence of the built-in default diagnosis.
const FallbackConfidence = 0.3

// FallbackStrategies are suggested when no usable diagnosis is available.
var FallbackStrategies = []string{
	string(model.StrategyRollbackSimulation),
	string(model.StrategyCSSPatchTargeted),
}

const systemPrompt = `You are a site reliability engineer diagnosing a silent web outage: the page
loads and returns HTTP 200, but real users cannot complete critical flows.
Given the incident, the page content and the positioned layout elements,
reply with a single JSON object:
{"root_cause": string, "confidence": number between 0 and 1,
 "category": string, "suggested_strategies": [string],
 "reasoning": string}
suggested_strategies is ordered most promising first and should use these
names where they apply: rollback_simulation, css_patch_targeted,
dom_removal, style_override, js_injection, cache_clear.`

type Config struct {
	// SnapshotChars caps the markdown rendering of the DOM snapshot.
	SnapshotChars int `koanf:"snapshot_chars"`
	// LayoutLimit caps the number of annotated elements listed.
	LayoutLimit int `koanf:"layout_limit"`
}

func DefaultConfig() Config {
	return Config{SnapshotChars: 8000, LayoutLimit: 25}
}

// Diagnoser produces diagnoses. A nil reasoner always yields the fallback.
type Diagnoser struct {
	cfg        Config
	reasoner   reasoning.Client
	summarizer *snapshot.Summarizer
	metrics    *metrics.Metrics
	logger     logging.Logger
}

func New(cfg Config, reasoner reasoning.Client, m *metrics.Metrics, logger logging.Logger) *Diagnoser {
	d := DefaultConfig()
	if cfg.SnapshotChars <= 0 {
		cfg.SnapshotChars = d.SnapshotChars
	}
	if cfg.LayoutLimit <= 0 {
		cfg.LayoutLimit = d.LayoutLimit
	}
	return &Diagnoser{
		cfg:        cfg,
		reasoner:   reasoner,
		summarizer: snapshot.NewSummarizer(),
		metrics:    m,
		logger:     logger.With(logging.Field{Key: "component", Value: "diagnosis"}),
	}
}

// Fallback is the conservative default diagnosis.
func Fallback(reason string) model.Diagnosis {
	return model.Diagnosis{
		RootCause:           "Unable to determine root cause: " + reason,
		Confidence:          FallbackConfidence,
		Category:            "unknown",
		SuggestedStrategies: append([]string(nil), FallbackStrategies...),
		Reasoning:           "Reasoning backend unavailable or returned unusable output; using default strategies.",
		Fallback:            true,
	}
}

type reply struct {
	RootCause           string   `json:"root_cause"`
	Confidence          float64  `json:"confidence"`
	Category            string   `json:"category"`
	SuggestedStrategies []string `json:"suggested_strategies"`
	Reasoning           string   `json:"reasoning"`
}

// Diagnose never fails; errors degrade to Fallback.
func (d *Diagnoser) Diagnose(ctx context.Context, inc *model.Incident, profile *model.SiteProfile) model.Diagnosis {
	if inc == nil {
		return Fallback("no incident")
	}
	if d.reasoner == nil {
		return d.fallback(inc, reasoning.ErrNoReasoner)
	}

	var out reply
	if err := d.reasoner.GenerateJSON(ctx, d.prompt(inc, profile), &out); err != nil {
		return d.fallback(inc, err)
	}
	out.RootCause = strings.TrimSpace(out.RootCause)
	if out.RootCause == "" && len(out.SuggestedStrategies) == 0 {
		return d.fallback(inc, fmt.Errorf("%w: empty diagnosis", reasoning.ErrMalformedOutput))
	}

	diag := model.Diagnosis{
		RootCause:  out.RootCause,
		Confidence: model.ClampConfidence(out.Confidence),
		Category:   strings.TrimSpace(out.Category),
		Reasoning:  strings.TrimSpace(out.Reasoning),
	}
	for _, s := range out.SuggestedStrategies {
		if s = strings.TrimSpace(s); s != "" {
			diag.SuggestedStrategies = append(diag.SuggestedStrategies, s)
		}
	}
	if diag.Category == "" {
		diag.Category = string(inc.Type)
	}
	d.logger.Info("diagnosis complete",
		logging.Field{Key: "incident_id", Value: inc.ID},
		logging.Field{Key: "root_cause", Value: diag.RootCause},
		logging.Field{Key: "confidence", Value: diag.Confidence},
		logging.Field{Key: "suggested", Value: diag.SuggestedStrategies})
	return diag
}

func (d *Diagnoser) fallback(inc *model.Incident, err error) model.Diagnosis {
	if !errors.Is(err, reasoning.ErrNoReasoner) {
		d.metrics.ObserveReasoningFallback("diagnosis")
	}
	d.logger.Warn("diagnosis fell back to defaults",
		logging.Field{Key: "incident_id", Value: inc.ID},
		logging.Field{Key: "error", Value: err.Error()})
	return Fallback(err.Error())
}

func (d *Diagnoser) prompt(inc *model.Incident, profile *model.SiteProfile) reasoning.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s\nType: %s\nSeverity: %s\nURL: %s\n", inc.ID, inc.Type, inc.Severity, inc.TargetURL)
	fmt.Fprintf(&b, "Description: %s\n", inc.Description)
	if inc.ErrorText != "" {
		fmt.Fprintf(&b, "Errors:\n%s\n", inc.ErrorText)
	}
	if el := inc.BlockingElement; el != nil {
		fmt.Fprintf(&b, "Blocking element: %s\n", formatLocator(*el))
	}

	if profile != nil {
		fmt.Fprintf(&b, "\nSite: %s\n", profile.Name)
		if profile.Description != "" {
			fmt.Fprintf(&b, "About: %s\n", profile.Description)
		}
		if len(profile.KnowledgeBase) > 0 {
			b.WriteString("Known facts:\n")
			for _, k := range profile.KnowledgeBase {
				fmt.Fprintf(&b, "- %s\n", k)
			}
		}
	}

	if len(inc.Layout) > 0 {
		b.WriteString("\nPositioned elements:\n")
		for i, el := range inc.Layout {
			if i == d.cfg.LayoutLimit {
				fmt.Fprintf(&b, "- … %d more\n", len(inc.Layout)-i)
				break
			}
			fmt.Fprintf(&b, "- %s at (%.0f,%.0f) %.0fx%.0f covering %.0f%% of the viewport\n",
				formatLocator(el.ElementLocator), el.X, el.Y, el.Width, el.Height, el.ViewportCoverage*100)
		}
	}

	if inc.DOMSnapshot != "" {
		res := Resources(inc.DOMSnapshot)
		if len(res.Scripts) > 0 {
			fmt.Fprintf(&b, "\nScripts: %s\n", strings.Join(res.Scripts, ", "))
		}
		if len(res.Stylesheets) > 0 {
			fmt.Fprintf(&b, "Stylesheets: %s\n", strings.Join(res.Stylesheets, ", "))
		}
		b.WriteString("\nPage content (markdown):\n")
		b.WriteString(d.summarizer.Markdown(inc.DOMSnapshot, inc.TargetURL, d.cfg.SnapshotChars))
	}

	return reasoning.Prompt{System: systemPrompt, User: b.String()}
}

func formatLocator(l model.ElementLocator) string {
	parts := []string{l.Selector}
	if l.Position != "" {
		parts = append(parts, "position="+l.Position)
	}
	if l.ZIndex != "" {
		parts = append(parts, "z-index="+l.ZIndex)
	}
	if l.PointerEvents != "" {
		parts = append(parts, "pointer-events="+l.PointerEvents)
	}
	if l.Opacity != "" {
		parts = append(parts, "opacity="+l.Opacity)
	}
	return strings.Join(parts, " ")
}
