package model

// ScoreBreakdown is the weighted evaluation of one dream outcome. Every
// sub-score is in [0,1].
type ScoreBreakdown struct {
	Reachability    float64      `json:"reachability"`
	VisualIntegrity float64      `json:"visual_integrity"`
	Safety          float64      `json:"safety"`
	Latency         float64      `json:"latency"`
	Aggregate       float64      `json:"aggregate"`
	Details         ScoreDetails `json:"details"`
}

// ScoreDetails holds per-check diagnostics.
type ScoreDetails struct {
	Reachability ReachabilityDetails `json:"reachability"`
	Visual       VisualDetails       `json:"visual"`
	Safety       SafetyDetails       `json:"safety"`
	Latency      LatencyDetails      `json:"latency"`
}

// ReachabilityMode tells which reachability check ran.
type ReachabilityMode string

const (
	ReachabilityProfile ReachabilityMode = "profile"
	ReachabilityGeneric ReachabilityMode = "generic"
)

type ReachabilityDetails struct {
	Mode  ReachabilityMode `json:"mode"`
	Flows []FlowCheck      `json:"flows,omitempty"`
	// Generic mode: interactive elements inspected and how many were the
	// topmost hit-target at their own centre.
	Inspected int    `json:"inspected,omitempty"`
	Reachable int    `json:"reachable,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FlowCheck is the outcome of one critical flow during scoring.
type FlowCheck struct {
	Name     string  `json:"name"`
	Priority float64 `json:"priority"`
	Passed   bool    `json:"passed"`
	Occluded bool    `json:"occluded,omitempty"`
	Error    string  `json:"error,omitempty"`
}

type VisualDetails struct {
	ExpectedTotal int `json:"expected_total,omitempty"`
	ExpectedFound int `json:"expected_found,omitempty"`
	// Partial counts expected elements without a selector.
	Partial    int               `json:"partial,omitempty"`
	Structural *StructuralChecks `json:"structural,omitempty"`
	DOMScore   float64           `json:"dom_score"`
	LLM        *VisualAssessment `json:"llm,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// StructuralChecks are the generic checks used when a profile declares no
// expected elements.
type StructuralChecks struct {
	HasHeader   bool `json:"has_header"`
	HasMain     bool `json:"has_main"`
	TextLength  int  `json:"text_length"`
	MarkupBytes int  `json:"markup_bytes"`
}

// VisualAssessment is the reasoning backend's opinion of the rendered page.
type VisualAssessment struct {
	Functional bool     `json:"functional"`
	Score      float64  `json:"score"`
	Issues     []string `json:"issues,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}

type SafetyDetails struct {
	Issues        []string `json:"issues,omitempty"`
	PageDestroyed bool     `json:"page_destroyed,omitempty"`
	BodyChildren  int      `json:"body_children"`
	Error         string   `json:"error,omitempty"`
}

type LatencyDetails struct {
	DurationMs int64 `json:"duration_ms"`
}
