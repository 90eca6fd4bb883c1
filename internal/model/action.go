package model

// ActionKind is a concrete production action.
type ActionKind string

const (
	ActionRollback ActionKind = "rollback"
	ActionWebhook  ActionKind = "webhook"
	ActionIssue    ActionKind = "issue"
	ActionAlert    ActionKind = "alert"
	ActionScript   ActionKind = "script"
	ActionNone     ActionKind = "none"
)

// ActionResult reports the outcome of a dispatched action. Failures are
// reported here rather than returned as errors.
type ActionResult struct {
	Success    bool           `json:"success"`
	ActionType ActionKind     `json:"action_type"`
	Message    string         `json:"message"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   ActionMetadata `json:"metadata"`
}

// ActionMetadata carries executor-specific details. Only the fields relevant
// to ActionType are set.
type ActionMetadata struct {
	IncidentID   string       `json:"incident_id"`
	Strategy     StrategyName `json:"strategy"`
	DeploymentID string       `json:"deployment_id,omitempty"`
	IssueURL     string       `json:"issue_url,omitempty"`
	IssueNumber  int          `json:"issue_number,omitempty"`
	StatusCode   int          `json:"status_code,omitempty"`
	ExitCode     int          `json:"exit_code,omitempty"`
	Output       string       `json:"output,omitempty"`
}
