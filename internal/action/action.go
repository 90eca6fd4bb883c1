// Package action carries a dream cycle's winner into production: it resolves
// the winning strategy to a concrete action and executes it with a bounded
// timeout. Executor failures are reported in the result, never returned.
package action

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/microcosm-cc/bluemonday"

	"github.com/raysh454/lucid/internal/deploy"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/webclient"
)

var ErrMissingTarget = errors.New("action target not configured")

type Config struct {
	Timeout       time.Duration `koanf:"timeout"`
	GitHubToken   string        `koanf:"github_token"`
	GitHubBaseURL string        `koanf:"github_base_url"`
	// MaxOutput caps the script output kept in the result.
	MaxOutput int `koanf:"max_output"`
}

func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second, MaxOutput: 4096}
}

// Deployments is the rollback capability.
type Deployments interface {
	Configured() bool
	List(ctx context.Context, rb deploy.RollbackTarget) ([]deploy.Deployment, error)
	Rollback(ctx context.Context, rb deploy.RollbackTarget, deploymentID string) error
}

// Request is everything an executor may report or act on.
type Request struct {
	// Kind overrides the resolved action when set.
	Kind      model.ActionKind
	Incident  *model.Incident
	Diagnosis model.Diagnosis
	Winner    model.DreamResult
	Profile   *model.SiteProfile
}

type Dispatcher struct {
	cfg         Config
	wc          webclient.WebClient
	deployments Deployments
	github      *github.Client
	sanitizer   *bluemonday.Policy
	metrics     *metrics.Metrics
	logger      logging.Logger
}

// NewDispatcher wires a dispatcher. deployments may be nil; the GitHub client
// is only built when a token is configured.
func NewDispatcher(ctx context.Context, cfg Config, wc webclient.WebClient, deployments Deployments, m *metrics.Metrics, logger logging.Logger) (*Dispatcher, error) {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = d.MaxOutput
	}
	disp := &Dispatcher{
		cfg:         cfg,
		wc:          wc,
		deployments: deployments,
		sanitizer:   bluemonday.StrictPolicy(),
		metrics:     m,
		logger:      logger.With(logging.Field{Key: "component", Value: "action"}),
	}
	if cfg.GitHubToken != "" {
		gh, err := NewGitHubClient(ctx, cfg.GitHubToken, cfg.GitHubBaseURL)
		if err != nil {
			return nil, err
		}
		disp.github = gh
	}
	return disp, nil
}

// Capabilities reports which credentialed channels can serve profile.
func (d *Dispatcher) Capabilities(profile *model.SiteProfile) Capabilities {
	caps := Capabilities{Issues: d.github != nil}
	if d.deployments != nil && d.deployments.Configured() && profile != nil {
		caps.Rollback = profile.Remediation.Rollback.ProjectID != ""
	}
	return caps
}

// Resolve applies the decision table with this dispatcher's capabilities.
func (d *Dispatcher) Resolve(strategy model.StrategyName, profile *model.SiteProfile) model.ActionKind {
	return Resolve(strategy, profile, d.Capabilities(profile))
}

// Dispatch executes one action. It does not retry.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) model.ActionResult {
	kind := req.Kind
	if kind == "" {
		kind = d.Resolve(req.Winner.Strategy, req.Profile)
	}
	res := model.ActionResult{ActionType: kind}
	if req.Incident != nil {
		res.Metadata.IncidentID = req.Incident.ID
	}
	res.Metadata.Strategy = req.Winner.Strategy

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	start := time.Now()

	var err error
	switch kind {
	case model.ActionRollback:
		err = d.rollback(ctx, req, &res)
	case model.ActionWebhook:
		err = d.webhook(ctx, req, &res)
	case model.ActionIssue:
		err = d.issue(ctx, req, &res)
	case model.ActionAlert:
		err = d.alert(ctx, req, &res)
	case model.ActionScript:
		err = d.script(ctx, req, &res)
	case model.ActionNone:
		res.Message = "no action configured"
	default:
		err = fmt.Errorf("unknown action %q", kind)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Success = err == nil
	if err != nil {
		res.Message = err.Error()
		d.logger.Error("action failed",
			logging.Field{Key: "incident_id", Value: res.Metadata.IncidentID},
			logging.Field{Key: "action", Value: kind},
			logging.Field{Key: "error", Value: err.Error()})
	} else {
		d.logger.Info("action dispatched",
			logging.Field{Key: "incident_id", Value: res.Metadata.IncidentID},
			logging.Field{Key: "action", Value: kind},
			logging.Field{Key: "message", Value: res.Message})
	}
	d.metrics.ObserveAction(string(kind), res.Success)
	return res
}

func (d *Dispatcher) rollback(ctx context.Context, req Request, res *model.ActionResult) error {
	if d.deployments == nil || req.Profile == nil {
		return deploy.ErrDeployUnavailable
	}
	rb := deploy.RollbackTarget{
		ProjectID: req.Profile.Remediation.Rollback.ProjectID,
		TeamID:    req.Profile.Remediation.Rollback.TeamID,
	}
	deps, err := d.deployments.List(ctx, rb)
	if err != nil {
		return err
	}
	dep, err := deploy.PriorReady(deps, req.Profile.URL)
	if err != nil {
		return err
	}
	if err := d.deployments.Rollback(ctx, rb, dep.ID); err != nil {
		return err
	}
	res.Metadata.DeploymentID = dep.ID
	res.Message = "rolled back to deployment " + dep.ID
	return nil
}

// ─── reporting ─────────────────────────────────────────────────────────

// payload is the JSON body posted to generic webhooks.
type payload struct {
	Event     string            `json:"event"`
	Summary   string            `json:"summary"`
	Site      string            `json:"site,omitempty"`
	Incident  *model.Incident   `json:"incident"`
	Diagnosis model.Diagnosis   `json:"diagnosis"`
	Winner    model.DreamResult `json:"winner"`
	Sent      time.Time         `json:"sent_at"`
}

func (d *Dispatcher) webhook(ctx context.Context, req Request, res *model.ActionResult) error {
	if req.Profile == nil || req.Profile.Remediation.WebhookURL == "" {
		return fmt.Errorf("webhook: %w", ErrMissingTarget)
	}
	if d.wc == nil {
		return errors.New("webhook: no web client")
	}
	body := payload{
		Event:     "lucid.remediation",
		Summary:   d.summary(req),
		Site:      req.Profile.Name,
		Incident:  d.redacted(req.Incident),
		Diagnosis: req.Diagnosis,
		Winner:    req.Winner,
		Sent:      time.Now().UTC(),
	}
	resp, err := webclient.DoJSON(ctx, d.wc, http.MethodPost, req.Profile.Remediation.WebhookURL, nil, body, nil)
	if resp != nil {
		res.Metadata.StatusCode = resp.StatusCode
	}
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	res.Message = fmt.Sprintf("webhook delivered (%d)", resp.StatusCode)
	return nil
}

func (d *Dispatcher) alert(ctx context.Context, req Request, res *model.ActionResult) error {
	if req.Profile == nil || req.Profile.Remediation.ChatWebhookURL == "" {
		return fmt.Errorf("alert: %w", ErrMissingTarget)
	}
	if d.wc == nil {
		return errors.New("alert: no web client")
	}
	msg := map[string]string{"text": d.summary(req)}
	resp, err := webclient.DoJSON(ctx, d.wc, http.MethodPost, req.Profile.Remediation.ChatWebhookURL, nil, msg, nil)
	if resp != nil {
		res.Metadata.StatusCode = resp.StatusCode
	}
	if err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	res.Message = "alert posted"
	return nil
}

// summary is a one-paragraph human readable account of the cycle.
func (d *Dispatcher) summary(req Request) string {
	var b strings.Builder
	site := ""
	if req.Profile != nil {
		site = req.Profile.Name
	}
	if inc := req.Incident; inc != nil {
		if site == "" {
			site = inc.TargetURL
		}
		fmt.Fprintf(&b, "[%s] %s incident on %s. ", strings.ToUpper(string(inc.Severity)), inc.Type, site)
	}
	if req.Diagnosis.RootCause != "" {
		fmt.Fprintf(&b, "Suspected cause: %s. ", d.clean(req.Diagnosis.RootCause))
	}
	if req.Winner.Strategy != "" {
		fmt.Fprintf(&b, "Best sandboxed fix: %s (score %.2f).", req.Winner.Strategy, req.Winner.Score)
	}
	return strings.TrimSpace(b.String())
}

// clean strips markup from text that may originate from the monitored page.
func (d *Dispatcher) clean(s string) string {
	return strings.TrimSpace(d.sanitizer.Sanitize(s))
}

// redacted returns a copy of inc without the raw DOM snapshot.
func (d *Dispatcher) redacted(inc *model.Incident) *model.Incident {
	if inc == nil {
		return nil
	}
	cp := *inc
	cp.DOMSnapshot = ""
	cp.Description = d.clean(cp.Description)
	return &cp
}
