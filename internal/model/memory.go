package model

import "time"

// IncidentMemory is the durable record of one completed incident cycle.
// Records are append-only.
type IncidentMemory struct {
	IncidentID   string       `json:"incident_id"`
	Timestamp    time.Time    `json:"timestamp"`
	Type         IncidentType `json:"type"`
	Description  string       `json:"description"`
	Resolution   string       `json:"resolution"`
	StrategyUsed StrategyName `json:"strategy_used"`
	Score        float64      `json:"score"`
	// Embedding is present only when embedding generation succeeded.
	Embedding []float32 `json:"embedding,omitempty"`
}

// TraceStep is one entry of the short-lived per-incident thread trace.
type TraceStep struct {
	IncidentID string    `json:"incident_id"`
	At         time.Time `json:"at"`
	Phase      Phase     `json:"phase"`
	Message    string    `json:"message"`
}
