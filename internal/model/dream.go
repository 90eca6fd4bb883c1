package model

import "time"

// DreamResult is the outcome of one strategy's sandboxed trial.
type DreamResult struct {
	Strategy StrategyName `json:"strategy"`
	Success  bool         `json:"success"`
	Score    float64      `json:"score"`
	// ReplayRef identifies the sandbox session the trial ran in.
	ReplayRef   string          `json:"replay_ref,omitempty"`
	Detail      string          `json:"detail"`
	DurationMs  int64           `json:"duration_ms"`
	SideEffects []string        `json:"side_effects,omitempty"`
	Breakdown   *ScoreBreakdown `json:"breakdown,omitempty"`
	// Priority is copied from the strategy definition for tie-breaking.
	Priority int `json:"priority"`
}

// DreamReport collects every result of one dream cycle, ranked best first.
type DreamReport struct {
	IncidentID string               `json:"incident_id"`
	Diagnosis  Diagnosis            `json:"diagnosis"`
	Strategies []StrategyDefinition `json:"strategies"`
	Results    []DreamResult        `json:"results"`
	// Best is nil when no result succeeded with a score above the threshold.
	Best *DreamResult `json:"best,omitempty"`
	// EnrichedDescription is the incident description extended with a
	// summary of the winner. Empty when there is no winner.
	EnrichedDescription string    `json:"enriched_description,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}
