// Package dream runs a remediation cycle's speculative phase: every candidate
// strategy is applied in its own isolated browser session, scored, and the
// outcomes are ranked to pick a winner.
package dream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/deploy"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/scoring"
	"github.com/raysh454/lucid/internal/snapshot"
	"github.com/raysh454/lucid/internal/strategy"
)

// WinThreshold is the score a successful result must exceed to win.
const WinThreshold = 0.5

// Trial stages, used in "error:<stage>" side-effect tags.
const (
	StageSession  = "session"
	StageNavigate = "navigate"
	StageBaseline = "baseline"
	StageMutation = "mutation"
	StageEvaluate = "evaluate"
)

var ErrNoIncident = errors.New("dream: nil incident")

// Diagnoser produces the root-cause hypothesis for an incident.
type Diagnoser interface {
	Diagnose(ctx context.Context, inc *model.Incident, profile *model.SiteProfile) model.Diagnosis
}

// Evaluator scores the state of a session.
type Evaluator interface {
	Evaluate(ctx context.Context, sess browser.Session, profile *model.SiteProfile) model.ScoreBreakdown
}

// Deployments lists the deployments a rollback preview can navigate to.
type Deployments interface {
	List(ctx context.Context, rb deploy.RollbackTarget) ([]deploy.Deployment, error)
}

type Config struct {
	// MaxParallel bounds concurrent trials. Zero runs all at once.
	MaxParallel int `koanf:"max_parallel"`
	// PageTimeout bounds each navigation and each mutation.
	PageTimeout time.Duration `koanf:"page_timeout"`
}

func DefaultConfig() Config {
	return Config{PageTimeout: 30 * time.Second}
}

type Engine struct {
	cfg         Config
	provider    browser.Provider
	diagnoser   Diagnoser
	scorer      Evaluator
	deployments Deployments
	metrics     *metrics.Metrics
	logger      logging.Logger
}

// NewEngine wires an engine. deployments may be nil, in which case rollback
// previews always take the labelled fallback.
func NewEngine(cfg Config, provider browser.Provider, diagnoser Diagnoser, scorer Evaluator, deployments Deployments, m *metrics.Metrics, logger logging.Logger) *Engine {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultConfig().PageTimeout
	}
	return &Engine{
		cfg:         cfg,
		provider:    provider,
		diagnoser:   diagnoser,
		scorer:      scorer,
		deployments: deployments,
		metrics:     m,
		logger:      logger.With(logging.Field{Key: "component", Value: "dream"}),
	}
}

// RunDreamCycle diagnoses the incident, selects strategies and trials each one
// concurrently. A failing trial never aborts its siblings: it becomes a zero
// score result, so the report always has one result per strategy.
func (e *Engine) RunDreamCycle(ctx context.Context, inc *model.Incident, past []model.IncidentMemory, profile *model.SiteProfile) (*model.DreamReport, error) {
	if inc == nil {
		return nil, ErrNoIncident
	}
	report := &model.DreamReport{IncidentID: inc.ID, StartedAt: time.Now().UTC()}
	log := e.logger.With(logging.Field{Key: "incident_id", Value: inc.ID})

	report.Diagnosis = e.diagnoser.Diagnose(ctx, inc, profile)
	log.Info("hypothesis",
		logging.Field{Key: "root_cause", Value: report.Diagnosis.RootCause},
		logging.Field{Key: "confidence", Value: report.Diagnosis.Confidence},
		logging.Field{Key: "fallback", Value: report.Diagnosis.Fallback})

	report.Strategies = strategy.Select(inc, report.Diagnosis, past)
	names := make([]model.StrategyName, len(report.Strategies))
	for i, s := range report.Strategies {
		names[i] = s.Name
	}
	log.Info("dreaming", logging.Field{Key: "strategies", Value: names})

	results := make([]model.DreamResult, len(report.Strategies))
	var g errgroup.Group
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for i, def := range report.Strategies {
		g.Go(func() error {
			results[i] = e.trial(ctx, inc, profile, def)
			return nil
		})
	}
	_ = g.Wait()

	Rank(results)
	report.Results = results
	report.Best = Best(results)
	report.FinishedAt = time.Now().UTC()

	if report.Best != nil {
		report.EnrichedDescription = enrich(inc.Description, report.Diagnosis, *report.Best)
		log.Info("winner",
			logging.Field{Key: "strategy", Value: report.Best.Strategy},
			logging.Field{Key: "score", Value: report.Best.Score})
	} else {
		log.Warn("no viable strategy", logging.Field{Key: "trials", Value: len(results)})
	}
	return report, nil
}

// trial runs one strategy in a fresh session. Errors and panics are turned
// into a failed result tagged with the stage they happened in.
func (e *Engine) trial(ctx context.Context, inc *model.Incident, profile *model.SiteProfile, def model.StrategyDefinition) (res model.DreamResult) {
	start := time.Now()
	stage := StageSession
	res = model.DreamResult{Strategy: def.Name, Priority: def.Priority}

	fail := func(err error) model.DreamResult {
		res.Success = false
		res.Score = 0
		res.Breakdown = nil
		res.SideEffects = []string{"error:" + stage}
		res.Detail = fmt.Sprintf("%s failed: %v", stage, err)
		res.DurationMs = time.Since(start).Milliseconds()
		e.metrics.ObserveDreamFailure(string(def.Name), stage)
		e.logger.Warn("strategy trial failed",
			logging.Field{Key: "incident_id", Value: inc.ID},
			logging.Field{Key: "strategy", Value: def.Name},
			logging.Field{Key: "stage", Value: stage},
			logging.Field{Key: "error", Value: err.Error()})
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	sess, err := e.provider.NewSession(ctx)
	if err != nil {
		return fail(err)
	}
	defer sess.Close()
	res.ReplayRef = sess.ID()

	stage = StageNavigate
	if err := e.navigate(ctx, sess, inc.TargetURL); err != nil {
		return fail(err)
	}

	stage = StageBaseline
	before, err := sess.HTML(ctx)
	if err != nil {
		return fail(err)
	}

	stage = StageMutation
	mctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	out, err := e.mutate(mctx, sess, inc, profile, def.Name)
	cancel()
	if err != nil {
		return fail(err)
	}

	stage = StageEvaluate
	b := e.scorer.Evaluate(ctx, sess, profile)
	elapsed := time.Since(start)
	b = scoring.WithLatency(b, elapsed.Milliseconds())

	res.SideEffects = out.Tags
	if after, err := sess.HTML(ctx); err == nil {
		res.SideEffects = append(res.SideEffects, fmt.Sprintf("dom_delta:%d", snapshot.Diff(before, after).Lines()))
	}
	res.Breakdown = &b
	res.Score = b.Aggregate
	res.Success = b.Reachability > 0.5
	res.Detail = out.Detail
	res.DurationMs = elapsed.Milliseconds()

	e.metrics.ObserveDream(string(def.Name), elapsed, res.Score)
	e.logger.Info("strategy scored",
		logging.Field{Key: "incident_id", Value: inc.ID},
		logging.Field{Key: "strategy", Value: def.Name},
		logging.Field{Key: "score", Value: res.Score},
		logging.Field{Key: "success", Value: res.Success})
	return res
}

func (e *Engine) navigate(ctx context.Context, sess browser.Session, url string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()
	return sess.Navigate(ctx, url)
}

// Rank orders results best first: higher score, then lower priority, then
// original order.
func Rank(results []model.DreamResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Priority < results[j].Priority
	})
}

// Best returns a copy of the first ranked result that succeeded with a score
// above WinThreshold, or nil.
func Best(ranked []model.DreamResult) *model.DreamResult {
	for _, r := range ranked {
		if r.Success && r.Score > WinThreshold {
			return &r
		}
	}
	return nil
}

func enrich(description string, diag model.Diagnosis, best model.DreamResult) string {
	inc := model.Incident{Description: description}
	note := fmt.Sprintf("Dream cycle winner: %s (score %.2f).", best.Strategy, best.Score)
	if b := best.Breakdown; b != nil {
		note += fmt.Sprintf(" Reachability %.2f, visual %.2f, safety %.2f, latency %.2f.",
			b.Reachability, b.VisualIntegrity, b.Safety, b.Latency)
	}
	if best.Detail != "" {
		note += " " + best.Detail + "."
	}
	if diag.RootCause != "" {
		note += " Suspected root cause: " + diag.RootCause
	}
	inc.Enrich(note)
	return inc.Description
}
