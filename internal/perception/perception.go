// Package perception drives a browser through a profile's critical flows
// and reports which of them a real user could complete.
package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
)

type Config struct {
	PageTimeout   time.Duration `koanf:"page_timeout"`
	ActionTimeout time.Duration `koanf:"action_timeout"`
	VerifyTimeout time.Duration `koanf:"verify_timeout"`
	PollInterval  time.Duration `koanf:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		PageTimeout:   30 * time.Second,
		ActionTimeout: 5 * time.Second,
		VerifyTimeout: 5 * time.Second,
		PollInterval:  250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageTimeout <= 0 {
		c.PageTimeout = d.PageTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Runner executes perception passes.
type Runner struct {
	provider browser.Provider
	cfg      Config
	metrics  *metrics.Metrics
	logger   logging.Logger
}

func NewRunner(provider browser.Provider, cfg Config, m *metrics.Metrics, logger logging.Logger) *Runner {
	return &Runner{
		provider: provider,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger.With(logging.Field{Key: "component", Value: "perception"}),
	}
}

// Run exercises every critical flow of profile, each from a fresh
// navigation, and captures an annotated DOM snapshot of the landing page.
// Only a failure to provision the browser session is returned as an error;
// everything else is reported in the result.
func (r *Runner) Run(ctx context.Context, profile *model.SiteProfile) (*model.PerceptionResult, error) {
	if profile == nil {
		return nil, errors.New("perception: nil profile")
	}
	sess, err := r.provider.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("perception: new session: %w", err)
	}
	defer sess.Close()

	res := &model.PerceptionResult{
		TargetURL:  profile.URL,
		CapturedAt: time.Now().UTC(),
	}

	if err := r.navigate(ctx, sess, profile.URL); err != nil {
		res.Error = err.Error()
		for _, f := range profile.CriticalFlows {
			res.Flows = append(res.Flows, model.FlowResult{Name: f.Name, Error: res.Error})
			r.metrics.ObserveFlowFailure(profile.Slug, f.Name)
		}
		r.logger.Warn("target unreachable",
			logging.Field{Key: "url", Value: profile.URL},
			logging.Field{Key: "error", Value: res.Error})
		return res, nil
	}
	r.capture(ctx, sess, res)

	for i, f := range profile.CriticalFlows {
		if i > 0 {
			if err := r.navigate(ctx, sess, profile.URL); err != nil {
				res.Flows = append(res.Flows, model.FlowResult{Name: f.Name, Error: err.Error()})
				r.metrics.ObserveFlowFailure(profile.Slug, f.Name)
				continue
			}
		}
		fr := r.runFlow(ctx, sess, f)
		if !fr.Passed {
			r.metrics.ObserveFlowFailure(profile.Slug, f.Name)
			r.logger.Warn("critical flow failed",
				logging.Field{Key: "flow", Value: f.Name},
				logging.Field{Key: "occluded", Value: fr.Occluded},
				logging.Field{Key: "error", Value: fr.Error})
		}
		res.Flows = append(res.Flows, fr)
	}

	res.AllPassed = len(res.Failed()) == 0
	r.logger.Info("perception pass complete",
		logging.Field{Key: "profile", Value: profile.Slug},
		logging.Field{Key: "flows", Value: len(res.Flows)},
		logging.Field{Key: "all_passed", Value: res.AllPassed})
	return res, nil
}

func (r *Runner) navigate(ctx context.Context, sess browser.Session, url string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
	defer cancel()
	if err := sess.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (r *Runner) capture(ctx context.Context, sess browser.Session, res *model.PerceptionResult) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
	defer cancel()
	if html, err := sess.HTML(ctx); err == nil {
		res.DOMSnapshot = html
	} else {
		r.logger.Debug("snapshot html failed", logging.Field{Key: "error", Value: err.Error()})
	}
	if layout, err := sess.Layout(ctx); err == nil {
		res.Annotated = layout
	} else {
		r.logger.Debug("snapshot layout failed", logging.Field{Key: "error", Value: err.Error()})
	}
}

func (r *Runner) runFlow(ctx context.Context, sess browser.Session, f model.CriticalFlow) model.FlowResult {
	start := time.Now()
	fr := model.FlowResult{Name: f.Name}

	act, err := r.act(ctx, sess, f)
	switch {
	case err != nil:
		fr.Error = err.Error()
		fr.DurationMs = time.Since(start).Milliseconds()
		return fr
	case act.Occluded:
		fr.Occluded = true
		fr.Interceptor = act.Interceptor
		fr.Error = "click intercepted by " + describe(act.Interceptor)
		fr.DurationMs = time.Since(start).Milliseconds()
		return fr
	}

	if err := r.verify(ctx, sess, f.Verify); err != nil {
		fr.Error = err.Error()
		fr.DurationMs = time.Since(start).Milliseconds()
		return fr
	}
	fr.Passed = true
	fr.DurationMs = time.Since(start).Milliseconds()
	return fr
}

func (r *Runner) act(ctx context.Context, sess browser.Session, f model.CriticalFlow) (*browser.ActResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	defer cancel()
	if strings.TrimSpace(f.Selector) != "" {
		return sess.Click(ctx, f.Selector, browser.ActOptions{})
	}
	return sess.Act(ctx, f.Action, browser.ActOptions{})
}

// verify polls the predicate until it holds or VerifyTimeout passes.
func (r *Runner) verify(ctx context.Context, sess browser.Session, v model.Verification) error {
	if v.Kind == model.VerifyNone {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		ok, err := Check(ctx, sess, v)
		if ok {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
				return fmt.Errorf("verify %s %q: %w", v.Kind, v.Value, lastErr)
			}
			return fmt.Errorf("verify %s %q: not satisfied within %s", v.Kind, v.Value, r.cfg.VerifyTimeout)
		case <-ticker.C:
		}
	}
}

// Check evaluates a verification predicate once.
func Check(ctx context.Context, sess browser.Session, v model.Verification) (bool, error) {
	switch v.Kind {
	case model.VerifyNone:
		return true, nil
	case model.VerifyURLContains:
		u, err := sess.URL(ctx)
		return err == nil && strings.Contains(u, v.Value), err
	case model.VerifyElementVisible:
		return sess.Visible(ctx, v.Value)
	case model.VerifyElementAbsent:
		ok, err := sess.Visible(ctx, v.Value)
		return err == nil && !ok, err
	case model.VerifyTextPresent:
		txt, err := sess.Text(ctx)
		return err == nil && strings.Contains(txt, v.Value), err
	}
	return false, fmt.Errorf("unknown verification kind %q", v.Kind)
}

func describe(l *model.ElementLocator) string {
	if l == nil {
		return "another element"
	}
	if l.Selector != "" {
		return l.Selector
	}
	return l.Tag
}
