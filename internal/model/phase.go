package model

// Phase is a step of the remediation cycle.
type Phase string

const (
	PhasePerceiving       Phase = "perceiving"
	PhaseHealthy          Phase = "healthy"
	PhaseDiagnosing       Phase = "diagnosing"
	PhaseDreaming         Phase = "dreaming"
	PhaseNoViableStrategy Phase = "no_viable_strategy"
	PhaseActing           Phase = "acting"
	PhaseVerifying        Phase = "verifying"
	PhaseLearning         Phase = "learning"
	PhaseResolved         Phase = "resolved"
	PhaseUnresolved       Phase = "unresolved"
	PhaseFailed           Phase = "failed"
)
