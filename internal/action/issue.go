package action

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/raysh454/lucid/internal/model"
)

// NewGitHubClient builds an authenticated client. baseURL overrides the API
// endpoint (GitHub Enterprise or tests).
func NewGitHubClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	if token == "" {
		return nil, errors.New("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}
	return client, nil
}

func (d *Dispatcher) issue(ctx context.Context, req Request, res *model.ActionResult) error {
	if d.github == nil {
		return errors.New("issue: GitHub token not set")
	}
	if req.Profile == nil || req.Profile.Remediation.IssueRepo == "" {
		return fmt.Errorf("issue: %w", ErrMissingTarget)
	}
	owner, repo, ok := strings.Cut(req.Profile.Remediation.IssueRepo, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("issue: repo %q is not owner/name", req.Profile.Remediation.IssueRepo)
	}

	issue, _, err := d.github.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.String(d.issueTitle(req)),
		Body:   github.String(d.issueBody(req)),
		Labels: &[]string{"lucid", "incident"},
	})
	if err != nil {
		return fmt.Errorf("issue: %w", err)
	}
	res.Metadata.IssueURL = issue.GetHTMLURL()
	res.Metadata.IssueNumber = issue.GetNumber()
	res.Message = fmt.Sprintf("opened issue #%d", issue.GetNumber())
	return nil
}

func (d *Dispatcher) issueTitle(req Request) string {
	site := req.Profile.Name
	if site == "" {
		site = req.Profile.URL
	}
	kind := model.IncidentUnknown
	if req.Incident != nil {
		kind = req.Incident.Type
	}
	return fmt.Sprintf("[lucid] %s on %s", kind, site)
}

func (d *Dispatcher) issueBody(req Request) string {
	var b strings.Builder
	if inc := req.Incident; inc != nil {
		fmt.Fprintf(&b, "## Incident `%s`\n\n", inc.ID)
		fmt.Fprintf(&b, "- **Type:** %s\n- **Severity:** %s\n- **URL:** %s\n- **Detected:** %s\n\n",
			inc.Type, inc.Severity, inc.TargetURL, inc.Timestamp.Format("2006-01-02 15:04:05 UTC"))
		b.WriteString(d.clean(inc.Description))
		b.WriteString("\n\n")
		if el := inc.BlockingElement; el != nil {
			fmt.Fprintf(&b, "Blocking element: `%s`\n\n", el.Selector)
		}
	}

	diag := req.Diagnosis
	b.WriteString("## Diagnosis\n\n")
	fmt.Fprintf(&b, "%s (confidence %.2f)\n\n", d.clean(diag.RootCause), diag.Confidence)
	if diag.Reasoning != "" {
		b.WriteString(d.clean(diag.Reasoning))
		b.WriteString("\n\n")
	}

	w := req.Winner
	b.WriteString("## Sandboxed remediation\n\n")
	fmt.Fprintf(&b, "Strategy `%s` scored %.2f", w.Strategy, w.Score)
	if bd := w.Breakdown; bd != nil {
		fmt.Fprintf(&b, " (reachability %.2f, visual %.2f, safety %.2f, latency %.2f)",
			bd.Reachability, bd.VisualIntegrity, bd.Safety, bd.Latency)
	}
	b.WriteString(".\n\n")
	if w.Detail != "" {
		fmt.Fprintf(&b, "%s\n\n", d.clean(w.Detail))
	}
	if len(w.SideEffects) > 0 {
		fmt.Fprintf(&b, "Side effects: `%s`\n", strings.Join(w.SideEffects, "`, `"))
	}
	return b.String()
}
