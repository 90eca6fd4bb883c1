package model

import "time"

// PerceptionResult is the aggregate of one pass over a profile's flows.
type PerceptionResult struct {
	TargetURL   string             `json:"target_url"`
	Flows       []FlowResult       `json:"flows"`
	AllPassed   bool               `json:"all_passed"`
	DOMSnapshot string             `json:"dom_snapshot,omitempty"`
	Annotated   []AnnotatedElement `json:"annotated,omitempty"`
	CapturedAt  time.Time          `json:"captured_at"`
	// Error is set when the pass could not run at all (e.g. navigation failed).
	Error string `json:"error,omitempty"`
}

// Failed returns the flows that did not pass.
func (p *PerceptionResult) Failed() []FlowResult {
	if p == nil {
		return nil
	}
	var out []FlowResult
	for _, f := range p.Flows {
		if !f.Passed {
			out = append(out, f)
		}
	}
	return out
}

// FlowResult is the outcome of one critical flow.
type FlowResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
	// Occluded is true when another element was the hit-target at the
	// flow target's centre.
	Occluded    bool            `json:"occluded,omitempty"`
	Interceptor *ElementLocator `json:"interceptor,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// AnnotatedElement is a DOM element in a non-default position, stacking
// order or pointer-interaction mode.
type AnnotatedElement struct {
	ElementLocator
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	// ViewportCoverage is the fraction of the viewport the element covers.
	ViewportCoverage float64 `json:"viewport_coverage"`
}
