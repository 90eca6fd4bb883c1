// Package deploy is a client for a Vercel-style deployment control API:
// list recent deployments of a project and roll back to one of them.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/utils"
	"github.com/raysh454/lucid/internal/webclient"
)

// ErrDeployUnavailable means the API is not configured or could not be reached.
var ErrDeployUnavailable = errors.New("deployment API unavailable")

// ErrNoPriorDeployment means no READY deployment other than the current one exists.
var ErrNoPriorDeployment = errors.New("no prior ready deployment")

const StateReady = "READY"

type Deployment struct {
	ID        string    `json:"uid"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"-"`
	Created   int64     `json:"created"`
}

// Ready reports whether the deployment can serve traffic.
func (d Deployment) Ready() bool { return strings.EqualFold(d.State, StateReady) }

// Href returns the deployment URL with a scheme.
func (d Deployment) Href() string {
	if d.URL == "" {
		return ""
	}
	if strings.Contains(d.URL, "://") {
		return d.URL
	}
	return "https://" + d.URL
}

type Config struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
	// Limit is how many recent deployments are listed.
	Limit int `koanf:"limit"`
}

func DefaultConfig() Config {
	return Config{BaseURL: "https://api.vercel.com", Limit: 10}
}

// Client talks to the deployment API over a webclient.
type Client struct {
	wc     webclient.WebClient
	cfg    Config
	logger logging.Logger
}

func NewClient(wc webclient.WebClient, cfg Config, logger logging.Logger) *Client {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	return &Client{
		wc:     wc,
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "component", Value: "deploy"}),
	}
}

// Configured reports whether a token is set. A nil client is unconfigured.
func (c *Client) Configured() bool {
	return c != nil && c.wc != nil && c.cfg.Token != ""
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)
	return h
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// List returns the project's recent deployments, newest first.
func (c *Client) List(ctx context.Context, rb RollbackTarget) ([]Deployment, error) {
	if !c.Configured() || rb.ProjectID == "" {
		return nil, ErrDeployUnavailable
	}
	q := url.Values{}
	q.Set("projectId", rb.ProjectID)
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	if rb.TeamID != "" {
		q.Set("teamId", rb.TeamID)
	}

	var body struct {
		Deployments []Deployment `json:"deployments"`
	}
	if _, err := webclient.DoJSON(ctx, c.wc, http.MethodGet, c.endpoint("/v6/deployments", q), c.headers(), nil, &body); err != nil {
		c.logger.Warn("listing deployments failed", logging.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrDeployUnavailable, err)
	}
	for i := range body.Deployments {
		body.Deployments[i].CreatedAt = time.UnixMilli(body.Deployments[i].Created).UTC()
	}
	sort.SliceStable(body.Deployments, func(i, j int) bool {
		return body.Deployments[i].Created > body.Deployments[j].Created
	})
	return body.Deployments, nil
}

// PriorReady picks the newest READY deployment that is not the current one.
// The current deployment is the newest READY one, or the one whose URL
// matches currentURL when given.
func PriorReady(deps []Deployment, currentURL string) (Deployment, error) {
	current := -1
	if currentURL != "" {
		for i, d := range deps {
			if d.URL != "" && utils.SameHost(d.Href(), currentURL) {
				current = i
				break
			}
		}
	}
	if current < 0 {
		for i, d := range deps {
			if d.Ready() {
				current = i
				break
			}
		}
	}
	for i, d := range deps {
		if i != current && d.Ready() {
			return d, nil
		}
	}
	return Deployment{}, ErrNoPriorDeployment
}

// RollbackTarget identifies the project to roll back.
type RollbackTarget struct {
	ProjectID string
	TeamID    string
}

// Rollback promotes deploymentID back to production.
func (c *Client) Rollback(ctx context.Context, rb RollbackTarget, deploymentID string) error {
	if !c.Configured() || rb.ProjectID == "" {
		return ErrDeployUnavailable
	}
	q := url.Values{}
	if rb.TeamID != "" {
		q.Set("teamId", rb.TeamID)
	}
	path := fmt.Sprintf("/v1/projects/%s/rollback/%s", url.PathEscape(rb.ProjectID), url.PathEscape(deploymentID))
	if _, err := webclient.DoJSON(ctx, c.wc, http.MethodPost, c.endpoint(path, q), c.headers(), nil, nil); err != nil {
		return fmt.Errorf("rollback to %s: %w", deploymentID, err)
	}
	c.logger.Info("rollback requested",
		logging.Field{Key: "project_id", Value: rb.ProjectID},
		logging.Field{Key: "deployment_id", Value: deploymentID})
	return nil
}
