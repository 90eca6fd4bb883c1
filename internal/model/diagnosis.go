package model

// Diagnosis is the root-cause hypothesis for an incident.
type Diagnosis struct {
	RootCause  string  `json:"root_cause"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
	// SuggestedStrategies is ordered most-promising first.
	SuggestedStrategies []string `json:"suggested_strategies"`
	Reasoning           string   `json:"reasoning"`
	// Fallback is true when the diagnosis came from the built-in default
	// rather than the reasoning backend.
	Fallback bool `json:"fallback,omitempty"`
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
