package scoring

import (
	"math"

	"github.com/raysh454/lucid/internal/model"
)

const (
	WeightReachability    = 0.4
	WeightVisualIntegrity = 0.25
	WeightSafety          = 0.2
	WeightLatency         = 0.15

	// Latency scores 1.0 up to LatencyFullMs and 0.0 from LatencyZeroMs on.
	LatencyFullMs = 5_000
	LatencyZeroMs = 120_000

	// SafetyPenalty is subtracted per distinct safety issue.
	SafetyPenalty = 0.3

	// Conservative defaults for checks that could not run.
	DefaultReachabilityOnError = 0.0
	DefaultVisualOnError       = 0.0
	DefaultSafetyOnError       = 0.5
)

// ScoreLatency maps a wall-clock duration to [0,1] with linear decay.
func ScoreLatency(ms int64) float64 {
	switch {
	case ms <= LatencyFullMs:
		return 1
	case ms >= LatencyZeroMs:
		return 0
	}
	return 1 - float64(ms-LatencyFullMs)/float64(LatencyZeroMs-LatencyFullMs)
}

// Aggregate is the weighted sum of the four sub-scores.
func Aggregate(b model.ScoreBreakdown) float64 {
	return WeightReachability*b.Reachability +
		WeightVisualIntegrity*b.VisualIntegrity +
		WeightSafety*b.Safety +
		WeightLatency*b.Latency
}

// ScoreSafetyIssues is 1.0 without issues, 0.0 for a destroyed page and
// otherwise 1.0 minus SafetyPenalty per issue, floored at zero.
func ScoreSafetyIssues(issues []string, pageDestroyed bool) float64 {
	if pageDestroyed {
		return 0
	}
	return math.Max(0, 1-SafetyPenalty*float64(len(issues)))
}

// WithLatency back-fills the latency sub-score from the whole attempt's
// duration and recomputes the aggregate.
func WithLatency(b model.ScoreBreakdown, ms int64) model.ScoreBreakdown {
	if ms < 0 {
		ms = 0
	}
	b.Latency = ScoreLatency(ms)
	b.Details.Latency = model.LatencyDetails{DurationMs: ms}
	b.Aggregate = Aggregate(b)
	return b
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
