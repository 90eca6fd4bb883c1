package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raysh454/lucid/internal/action"
	"github.com/raysh454/lucid/internal/incident"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/memory"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/reasoning"
	"github.com/raysh454/lucid/internal/snapshot"
)

// recallLimit bounds how many past incidents bias strategy selection.
const recallLimit = 5

// RunReport is the outcome of one cycle. Phase is the terminal phase.
type RunReport struct {
	Profile      string                  `json:"profile"`
	Phase        model.Phase             `json:"phase"`
	Perception   *model.PerceptionResult `json:"perception,omitempty"`
	Incident     *model.Incident         `json:"incident,omitempty"`
	Dream        *model.DreamReport      `json:"dream,omitempty"`
	Action       *model.ActionResult     `json:"action,omitempty"`
	Verification *Verification           `json:"verification,omitempty"`
	Memory       *model.IncidentMemory   `json:"memory,omitempty"`
	Steps        []model.TraceStep       `json:"steps"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	Error        string                  `json:"error,omitempty"`
}

// Verification is the second perception pass after the action.
type Verification struct {
	Resolved bool                    `json:"resolved"`
	Result   *model.PerceptionResult `json:"result,omitempty"`
	// DOMChanged counts lines added and removed between the two snapshots.
	DOMChanged int    `json:"dom_changed"`
	Error      string `json:"error,omitempty"`
}

type phaseFunc func(phase model.Phase, incidentID, msg string)

// cycle carries the state of one RunCycle call.
type cycle struct {
	o       *Orchestrator
	report  *RunReport
	notify  phaseFunc
	logger  logging.Logger
	pending []model.TraceStep
}

// RunCycle runs perception, and when it finds an incident, the whole
// diagnose, dream, act, verify and learn sequence for one profile. Leaf
// failures are reported in the RunReport; the error is non-nil only when
// the cycle could not run at all.
func (o *Orchestrator) RunCycle(ctx context.Context, slug string) (*RunReport, error) {
	return o.runCycle(ctx, slug, nil)
}

func (o *Orchestrator) runCycle(ctx context.Context, slug string, notify phaseFunc) (*RunReport, error) {
	c := &cycle{
		o:      o,
		notify: notify,
		report: &RunReport{Profile: slug, StartedAt: time.Now().UTC()},
		logger: o.logger.With(logging.Field{Key: "profile", Value: slug}),
	}
	err := c.run(ctx, slug)
	c.report.FinishedAt = time.Now().UTC()
	if err != nil {
		c.report.Error = err.Error()
		if c.report.Phase != model.PhaseFailed {
			c.step(ctx, model.PhaseFailed, err.Error())
		}
	}
	o.comps.Metrics.ObserveCycle(string(c.report.Phase))
	return c.report, err
}

func (c *cycle) incidentID() string {
	if c.report.Incident == nil {
		return ""
	}
	return c.report.Incident.ID
}

// step records a phase transition: logged, traced and streamed. Steps taken
// before the incident exists are traced once it does.
func (c *cycle) step(ctx context.Context, phase model.Phase, msg string) {
	c.report.Phase = phase
	s := model.TraceStep{IncidentID: c.incidentID(), At: time.Now().UTC(), Phase: phase, Message: msg}
	c.report.Steps = append(c.report.Steps, s)

	fields := []logging.Field{
		{Key: "phase", Value: string(phase)},
		{Key: "message", Value: msg},
	}
	if s.IncidentID != "" {
		fields = append(fields, logging.Field{Key: "incident_id", Value: s.IncidentID})
	}
	if phase == model.PhaseFailed || phase == model.PhaseUnresolved || phase == model.PhaseNoViableStrategy {
		c.logger.Warn("cycle phase", fields...)
	} else {
		c.logger.Info("cycle phase", fields...)
	}

	if s.IncidentID == "" {
		c.pending = append(c.pending, s)
	} else {
		for _, p := range c.pending {
			c.trace(ctx, p.Phase, p.Message)
		}
		c.pending = nil
		c.trace(ctx, phase, msg)
	}

	if c.notify != nil {
		c.notify(phase, s.IncidentID, msg)
	}
}

func (c *cycle) trace(ctx context.Context, phase model.Phase, msg string) {
	if err := c.o.comps.Memory.RecordStep(ctx, c.incidentID(), phase, msg); err != nil && !memory.IsUnavailable(err) {
		c.logger.Warn("trace step not recorded",
			logging.Field{Key: "incident_id", Value: c.incidentID()},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

func (c *cycle) run(ctx context.Context, slug string) error {
	o := c.o
	profile, err := o.profile(slug)
	if err != nil {
		return err
	}
	if o.comps.Perception == nil || o.comps.Dreams == nil || o.comps.Actions == nil {
		return errors.New("orchestrator is missing a cycle component")
	}

	c.step(ctx, model.PhasePerceiving, fmt.Sprintf("running %d critical flows against %s", len(profile.CriticalFlows), profile.URL))
	res, err := o.comps.Perception.Run(ctx, profile)
	if err != nil {
		return fmt.Errorf("perception: %w", err)
	}
	c.report.Perception = res

	inc := incident.Build(res, profile)
	if inc == nil {
		c.step(ctx, model.PhaseHealthy, "all critical flows passed")
		return nil
	}
	c.report.Incident = inc

	c.step(ctx, model.PhaseDiagnosing, inc.Description)
	past := c.recall(ctx, inc)

	c.step(ctx, model.PhaseDreaming, fmt.Sprintf("recalled %d similar incidents", len(past)))
	dr, err := o.comps.Dreams.RunDreamCycle(ctx, inc, past, profile)
	if err != nil {
		return fmt.Errorf("dream cycle: %w", err)
	}
	c.report.Dream = dr

	if dr.Best == nil {
		// a canceled dream is never learned from
		if err := ctx.Err(); err != nil {
			return err
		}
		why := "no strategy scored above the threshold: " + summarizeResults(dr.Results)
		c.step(ctx, model.PhaseLearning, why)
		c.learn(ctx, inc, dr, nil, "no viable strategy; "+summarizeResults(dr.Results))
		c.step(ctx, model.PhaseNoViableStrategy, why)
		return nil
	}
	if dr.EnrichedDescription != "" {
		inc.Description = dr.EnrichedDescription
	}

	best := *dr.Best
	kind := o.comps.Actions.Resolve(best.Strategy, profile)
	c.step(ctx, model.PhaseActing, fmt.Sprintf("winner %s (score %.2f) resolved to %s action", best.Strategy, best.Score, kind))
	ar := o.comps.Actions.Dispatch(ctx, action.Request{
		Kind:      kind,
		Incident:  inc,
		Diagnosis: dr.Diagnosis,
		Winner:    best,
		Profile:   profile,
	})
	c.report.Action = &ar

	c.step(ctx, model.PhaseVerifying, actionSummary(ar))
	v := c.verify(ctx, profile, res)
	c.report.Verification = v

	resolution := fmt.Sprintf("%s; %s", actionSummary(ar), verificationSummary(v))
	c.step(ctx, model.PhaseLearning, resolution)
	c.learn(ctx, inc, dr, &best, resolution)

	if v.Resolved {
		c.step(ctx, model.PhaseResolved, verificationSummary(v))
	} else {
		c.step(ctx, model.PhaseUnresolved, verificationSummary(v))
	}
	return ctx.Err()
}

// recall fetches past incidents for the learning bias. Any failure only
// drops the bias.
func (c *cycle) recall(ctx context.Context, inc *model.Incident) []model.IncidentMemory {
	vec := c.embed(ctx, inc.Description)
	past, err := c.o.comps.Memory.FindSimilarIncidents(ctx, inc.Type, vec, recallLimit)
	if err != nil {
		c.logger.Warn("memory unavailable, proceeding without learning",
			logging.Field{Key: "incident_id", Value: inc.ID},
			logging.Field{Key: "error", Value: err.Error()})
		return nil
	}
	return past
}

func (c *cycle) embed(ctx context.Context, text string) []float32 {
	vec, err := c.o.comps.Reasoner.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, reasoning.ErrNoReasoner) {
			c.o.comps.Metrics.ObserveReasoningFallback("embed")
			c.logger.Warn("embedding failed, using type match",
				logging.Field{Key: "error", Value: err.Error()})
		}
		return nil
	}
	return vec
}

func (c *cycle) verify(ctx context.Context, profile *model.SiteProfile, before *model.PerceptionResult) *Verification {
	after, err := c.o.comps.Perception.Run(ctx, profile)
	if err != nil {
		return &Verification{Error: err.Error()}
	}
	v := &Verification{
		Resolved: after.AllPassed && after.Error == "",
		Result:   after,
	}
	if before != nil && before.DOMSnapshot != "" && after.DOMSnapshot != "" {
		v.DOMChanged = snapshot.Diff(before.DOMSnapshot, after.DOMSnapshot).Lines()
	}
	return v
}

// learn stores the post-mortem. winner is nil when no strategy was viable.
func (c *cycle) learn(ctx context.Context, inc *model.Incident, dr *model.DreamReport, winner *model.DreamResult, resolution string) {
	mem := model.IncidentMemory{
		IncidentID:   inc.ID,
		Timestamp:    time.Now().UTC(),
		Type:         inc.Type,
		Description:  postMortem(inc, dr.Diagnosis, winner),
		Resolution:   resolution,
		StrategyUsed: model.StrategyNone,
	}
	if winner != nil {
		mem.StrategyUsed = winner.Strategy
		mem.Score = winner.Score
	}
	mem.Embedding = c.embed(ctx, mem.Description)

	if err := c.o.comps.Memory.StoreMemory(ctx, mem); err != nil {
		c.logger.Warn("memory not stored, continuing",
			logging.Field{Key: "incident_id", Value: inc.ID},
			logging.Field{Key: "error", Value: err.Error()})
		return
	}
	c.report.Memory = &mem
}

func postMortem(inc *model.Incident, diag model.Diagnosis, winner *model.DreamResult) string {
	var b strings.Builder
	b.WriteString(inc.Description)
	if diag.RootCause != "" {
		b.WriteString("\nRoot cause: ")
		b.WriteString(diag.RootCause)
	}
	if winner != nil {
		fmt.Fprintf(&b, "\nFix: %s (score %.2f)", winner.Strategy, winner.Score)
		if winner.Detail != "" {
			b.WriteString(": ")
			b.WriteString(winner.Detail)
		}
	}
	return b.String()
}

func summarizeResults(results []model.DreamResult) string {
	if len(results) == 0 {
		return "no strategies were tried"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		s := fmt.Sprintf("%s=%.2f", r.Strategy, r.Score)
		if r.Detail != "" {
			s += " (" + r.Detail + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func actionSummary(ar model.ActionResult) string {
	if ar.Success {
		return fmt.Sprintf("%s action succeeded: %s", ar.ActionType, ar.Message)
	}
	return fmt.Sprintf("%s action failed: %s", ar.ActionType, ar.Message)
}

func verificationSummary(v *Verification) string {
	switch {
	case v == nil:
		return "not verified"
	case v.Error != "":
		return "verification could not run: " + v.Error
	case v.Resolved:
		return fmt.Sprintf("all critical flows pass after the action (%d DOM lines changed)", v.DOMChanged)
	}
	failed := v.Result.Failed()
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.Name)
	}
	if len(names) == 0 && v.Result.Error != "" {
		return "target still failing: " + v.Result.Error
	}
	return "still failing: " + strings.Join(names, ", ")
}
