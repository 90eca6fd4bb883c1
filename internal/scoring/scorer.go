// Package scoring evaluates the health of a page inside a sandbox session.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/snapshot"
)

type Config struct {
	// InteractionTimeout bounds each hit-test.
	InteractionTimeout time.Duration `koanf:"interaction_timeout"`
	// ScreenshotQuality is the JPEG quality of the low-detail screenshot sent
	// with the visual assessment. Zero disables screenshots.
	ScreenshotQuality int `koanf:"screenshot_quality"`
	// SummaryChars caps the markdown DOM summary sent to the reasoner.
	SummaryChars int `koanf:"summary_chars"`
}

func DefaultConfig() Config {
	return Config{
		InteractionTimeout: 3 * time.Second,
		ScreenshotQuality:  30,
		SummaryChars:       6000,
	}
}

// Danger signals searched for in the rendered text.
var safetySignals = []struct {
	issue string
	text  string
}{
	{"unhandled_runtime_error", "Unhandled Runtime Error"},
	{"application_error", "Application error"},
	{"hydration_failed", "Hydration failed"},
}

// Scorer computes ScoreBreakdowns. The reasoner is optional.
type Scorer struct {
	cfg        Config
	reasoner   reasoning.Client
	summarizer *snapshot.Summarizer
	metrics    *metrics.Metrics
	logger     logging.Logger
}

func New(cfg Config, reasoner reasoning.Client, m *metrics.Metrics, logger logging.Logger) *Scorer {
	d := DefaultConfig()
	if cfg.InteractionTimeout <= 0 {
		cfg.InteractionTimeout = d.InteractionTimeout
	}
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = d.SummaryChars
	}
	return &Scorer{
		cfg:        cfg,
		reasoner:   reasoner,
		summarizer: snapshot.NewSummarizer(),
		metrics:    m,
		logger:     logger.With(logging.Field{Key: "component", Value: "scoring"}),
	}
}

// Evaluate scores the current state of sess. Latency is computed for a zero
// duration; callers that know the elapsed time apply WithLatency. Evaluate
// never fails: checks that error out fall back to conservative defaults.
func (s *Scorer) Evaluate(ctx context.Context, sess browser.Session, profile *model.SiteProfile) model.ScoreBreakdown {
	var b model.ScoreBreakdown

	b.Reachability = s.reachability(ctx, sess, profile, &b.Details.Reachability)

	html, htmlErr := sess.HTML(ctx)
	if htmlErr != nil {
		b.Details.Visual.Error = htmlErr.Error()
		b.Details.Safety.Error = htmlErr.Error()
		b.VisualIntegrity = DefaultVisualOnError
		b.Safety = DefaultSafetyOnError
	} else {
		b.VisualIntegrity = s.visual(ctx, sess, profile, html, &b.Details.Visual)
		b.Safety = s.safety(html, &b.Details.Safety)
	}

	return WithLatency(b, 0)
}

// guard turns a panic inside a check into an error.
func guard(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("check panicked: %v", r)
	}
}

// ─── Reachability ──────────────────────────────────────────────────────

func (s *Scorer) reachability(ctx context.Context, sess browser.Session, profile *model.SiteProfile, d *model.ReachabilityDetails) float64 {
	score, err := func() (score float64, err error) {
		defer guard(&err)
		if profile != nil && len(profile.CriticalFlows) > 0 {
			d.Mode = model.ReachabilityProfile
			return s.profileReachability(ctx, sess, profile.CriticalFlows, d), nil
		}
		d.Mode = model.ReachabilityGeneric
		return s.genericReachability(ctx, sess, d)
	}()
	if err != nil {
		d.Error = err.Error()
		return DefaultReachabilityOnError
	}
	return clamp01(score)
}

// profileReachability is the priority-weighted pass ratio of the flows.
func (s *Scorer) profileReachability(ctx context.Context, sess browser.Session, flows []model.CriticalFlow, d *model.ReachabilityDetails) float64 {
	var total, passed float64
	for _, f := range flows {
		w := f.Weight()
		total += w
		check := model.FlowCheck{Name: f.Name, Priority: w}

		res, err := s.hitTest(ctx, sess, f)
		switch {
		case err != nil:
			check.Error = err.Error()
		case res.Reachable():
			check.Passed = true
			passed += w
		default:
			check.Occluded = res.Occluded
		}
		d.Flows = append(d.Flows, check)
	}
	if total == 0 {
		return 0
	}
	return passed / total
}

func (s *Scorer) hitTest(ctx context.Context, sess browser.Session, f model.CriticalFlow) (*browser.ActResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InteractionTimeout)
	defer cancel()
	opts := browser.ActOptions{Trial: true}
	if strings.TrimSpace(f.Selector) != "" {
		return sess.Click(ctx, f.Selector, opts)
	}
	return sess.Act(ctx, f.Action, opts)
}

// genericReachability is 1.0 when any primary interactive element is the
// topmost hit-target at its own centre.
func (s *Scorer) genericReachability(ctx context.Context, sess browser.Session, d *model.ReachabilityDetails) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InteractionTimeout)
	defer cancel()
	r, err := sess.Reachability(ctx)
	if err != nil {
		return 0, err
	}
	d.Inspected, d.Reachable = r.Inspected, r.Reachable
	if r.Reachable > 0 {
		return 1, nil
	}
	return 0, nil
}

// ─── Visual integrity ──────────────────────────────────────────────────

const visualSystemPrompt = `You review rendered web pages for functional integrity.
Answer with a JSON object: {"functional": bool, "score": number between 0 and 1, "issues": [string]}.
"functional" means a user could see and use the page's primary content and controls.`

func (s *Scorer) visual(ctx context.Context, sess browser.Session, profile *model.SiteProfile, html string, d *model.VisualDetails) float64 {
	dom, err := func() (score float64, err error) {
		defer guard(&err)
		if profile != nil && len(profile.ExpectedElements) > 0 {
			return s.expectedElements(ctx, sess, profile.ExpectedElements, d)
		}
		return structuralScore(html, d)
	}()
	if err != nil {
		d.Error = err.Error()
		return DefaultVisualOnError
	}
	dom = clamp01(dom)
	d.DOMScore = dom

	assessment := s.assess(ctx, sess, profile, html)
	if assessment == nil {
		return dom
	}
	d.LLM = assessment
	return clamp01(0.6*dom + 0.4*assessment.Score)
}

func (s *Scorer) expectedElements(ctx context.Context, sess browser.Session, els []model.ExpectedElement, d *model.VisualDetails) (float64, error) {
	var sum float64
	d.ExpectedTotal = len(els)
	for _, el := range els {
		if strings.TrimSpace(el.Selector) == "" {
			d.Partial++
			sum += 0.5
			continue
		}
		ok, err := sess.Visible(ctx, el.Selector)
		if err != nil {
			if errors.Is(err, browser.ErrSessionClosed) {
				return 0, err
			}
			continue
		}
		if ok {
			d.ExpectedFound++
			sum++
		}
	}
	return sum / float64(len(els)), nil
}

func structuralScore(html string, d *model.VisualDetails) (float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}
	c := &model.StructuralChecks{
		HasHeader:   doc.Find("header, nav, [role=banner], [role=navigation]").Length() > 0,
		HasMain:     doc.Find("main, [role=main], article, #root > *, #__next > *, #app > *").Length() > 0,
		TextLength:  len(snapshot.VisibleText(html)),
		MarkupBytes: len(html),
	}
	d.Structural = c

	var score float64
	if c.HasHeader {
		score += 0.25
	}
	if c.HasMain {
		score += 0.25
	}
	if c.TextLength >= 100 {
		score += 0.25
	}
	if c.MarkupBytes >= 500 {
		score += 0.25
	}
	return score, nil
}

// assess asks the reasoner for a visual opinion. It returns nil when no
// reasoner is reachable and the documented fallback when its reply is unusable.
func (s *Scorer) assess(ctx context.Context, sess browser.Session, profile *model.SiteProfile, html string) *model.VisualAssessment {
	if s.reasoner == nil {
		return nil
	}
	pageURL := ""
	var b strings.Builder
	if profile != nil {
		pageURL = profile.URL
		fmt.Fprintf(&b, "Site: %s (%s)\n", profile.Name, profile.URL)
		if profile.Description != "" {
			fmt.Fprintf(&b, "About: %s\n", profile.Description)
		}
	}
	b.WriteString("Page content (markdown):\n")
	b.WriteString(s.summarizer.Markdown(html, pageURL, s.cfg.SummaryChars))

	p := reasoning.Prompt{System: visualSystemPrompt, User: b.String()}
	if s.cfg.ScreenshotQuality > 0 {
		if img, err := sess.Screenshot(ctx, s.cfg.ScreenshotQuality); err == nil {
			p.Image = img
		}
	}

	var out struct {
		Functional bool     `json:"functional"`
		Score      float64  `json:"score"`
		Issues     []string `json:"issues"`
	}
	if err := s.reasoner.GenerateJSON(ctx, p, &out); err != nil {
		if errors.Is(err, reasoning.ErrNoReasoner) {
			return nil
		}
		s.logger.Warn("visual assessment fell back",
			logging.Field{Key: "error", Value: err.Error()})
		s.metrics.ObserveReasoningFallback("visual")
		return &model.VisualAssessment{Functional: false, Score: 0.5, Fallback: true}
	}
	return &model.VisualAssessment{
		Functional: out.Functional,
		Score:      clamp01(out.Score),
		Issues:     out.Issues,
	}
}

// ─── Safety ────────────────────────────────────────────────────────────

func (s *Scorer) safety(html string, d *model.SafetyDetails) float64 {
	score, err := func() (score float64, err error) {
		defer guard(&err)
		return safetyScore(html, d)
	}()
	if err != nil {
		d.Error = err.Error()
		return DefaultSafetyOnError
	}
	return score
}

func safetyScore(html string, d *model.SafetyDetails) (float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}
	body := doc.Find("body")
	d.BodyChildren = body.Children().Length()
	if d.BodyChildren < 2 {
		d.PageDestroyed = true
		d.Issues = append(d.Issues, "page_destroyed")
		return 0, nil
	}

	text := snapshot.VisibleText(html)
	for _, sig := range safetySignals {
		if strings.Contains(text, sig.text) {
			d.Issues = append(d.Issues, sig.issue)
		}
	}
	if doc.Find("[role=alert]").Length() > 0 {
		d.Issues = append(d.Issues, "aria_alert")
	}
	return ScoreSafetyIssues(d.Issues, false), nil
}
