// Package incident turns failed perception passes into incident records.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/lucid/internal/model"
)

// Build returns nil when every flow passed. A failed flow that was occluded
// makes the incident a critical visual occlusion; otherwise the incident is
// element-unclickable, critical when at least half the flows failed.
func Build(res *model.PerceptionResult, profile *model.SiteProfile) *model.Incident {
	if res == nil {
		return nil
	}
	failed := res.Failed()
	if len(failed) == 0 && res.Error == "" {
		return nil
	}

	inc := &model.Incident{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		TargetURL:   res.TargetURL,
		DOMSnapshot: res.DOMSnapshot,
		Layout:      res.Annotated,
	}
	if inc.TargetURL == "" && profile != nil {
		inc.TargetURL = profile.URL
	}

	var occluded *model.FlowResult
	for i := range failed {
		if failed[i].Occluded {
			occluded = &failed[i]
			break
		}
	}

	total := len(res.Flows)
	if profile != nil && len(profile.CriticalFlows) > total {
		total = len(profile.CriticalFlows)
	}

	switch {
	case occluded != nil:
		inc.Type = model.IncidentVisualOcclusion
		inc.Severity = model.SeverityCritical
		inc.BlockingElement = occluded.Interceptor
	case len(failed) == 0:
		// The pass errored before any flow ran.
		inc.Type = model.IncidentUnknown
		inc.Severity = model.SeverityCritical
	default:
		inc.Type = model.IncidentElementUnclickable
		inc.Severity = model.SeverityHigh
		if 2*len(failed) >= total {
			inc.Severity = model.SeverityCritical
		}
	}

	inc.Description = describe(inc, failed, total, profile)
	inc.ErrorText = errorText(res, failed)
	return inc
}

func describe(inc *model.Incident, failed []model.FlowResult, total int, profile *model.SiteProfile) string {
	var b strings.Builder
	site := inc.TargetURL
	if profile != nil && profile.Name != "" {
		site = profile.Name
	}
	fmt.Fprintf(&b, "%d of %d critical flows failed on %s", len(failed), total, site)
	if len(failed) > 0 {
		names := make([]string, len(failed))
		for i, f := range failed {
			names[i] = f.Name
		}
		fmt.Fprintf(&b, ": %s", strings.Join(names, ", "))
	}
	b.WriteString(".")
	if inc.BlockingElement != nil {
		el := inc.BlockingElement
		fmt.Fprintf(&b, " Clicks are intercepted by %s", el.Selector)
		var attrs []string
		if el.Position != "" {
			attrs = append(attrs, "position "+el.Position)
		}
		if el.ZIndex != "" {
			attrs = append(attrs, "z-index "+el.ZIndex)
		}
		if el.Opacity != "" {
			attrs = append(attrs, "opacity "+el.Opacity)
		}
		if len(attrs) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(attrs, ", "))
		}
		b.WriteString(".")
	}
	return b.String()
}

func errorText(res *model.PerceptionResult, failed []model.FlowResult) string {
	var lines []string
	if res.Error != "" {
		lines = append(lines, res.Error)
	}
	for _, f := range failed {
		if f.Error != "" {
			lines = append(lines, f.Name+": "+f.Error)
		}
	}
	return strings.Join(lines, "\n")
}
