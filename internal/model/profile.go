package model

// SiteProfile describes one monitored application. It is read-only input
// for the duration of a run.
type SiteProfile struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Slug        string `json:"slug" yaml:"slug" toml:"slug"`
	URL         string `json:"url" yaml:"url" toml:"url"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`

	// CriticalFlows are exercised in order by perception and scoring.
	CriticalFlows    []CriticalFlow    `json:"critical_flows" yaml:"critical_flows" toml:"critical_flows"`
	ExpectedElements []ExpectedElement `json:"expected_elements,omitempty" yaml:"expected_elements" toml:"expected_elements"`
	Remediation      RemediationConfig `json:"remediation" yaml:"remediation" toml:"remediation"`

	// KnowledgeBase is a list of domain facts handed to the reasoning backend.
	KnowledgeBase []string `json:"knowledge_base,omitempty" yaml:"knowledge_base" toml:"knowledge_base"`
}

// CriticalFlow is one user-facing interaction that must keep working.
type CriticalFlow struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Action is a natural-language instruction, e.g. "click the Checkout button".
	Action string `json:"action" yaml:"action" toml:"action"`
	// Selector, when set, is used instead of resolving Action.
	Selector string       `json:"selector,omitempty" yaml:"selector" toml:"selector"`
	Verify   Verification `json:"verify" yaml:"verify" toml:"verify"`
	// Priority weights the flow in the reachability score. Zero means 1.
	Priority float64 `json:"priority" yaml:"priority" toml:"priority"`
}

// Weight returns the effective reachability weight of the flow.
func (f CriticalFlow) Weight() float64 {
	if f.Priority <= 0 {
		return 1
	}
	return f.Priority
}

// VerificationKind is the predicate checked after a flow's action.
type VerificationKind string

const (
	VerifyNone           VerificationKind = ""
	VerifyURLContains    VerificationKind = "url_contains"
	VerifyElementVisible VerificationKind = "element_visible"
	VerifyTextPresent    VerificationKind = "text_present"
	VerifyElementAbsent  VerificationKind = "element_absent"
)

type Verification struct {
	Kind  VerificationKind `json:"kind,omitempty" yaml:"kind" toml:"kind"`
	Value string           `json:"value,omitempty" yaml:"value" toml:"value"`
}

// ExpectedElement must be visible on a healthy page.
type ExpectedElement struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Selector string `json:"selector,omitempty" yaml:"selector" toml:"selector"`
}

// RemediationConfig is the profile's statically configured production action.
type RemediationConfig struct {
	Action         ActionKind     `json:"action" yaml:"action" toml:"action"`
	WebhookURL     string         `json:"webhook_url,omitempty" yaml:"webhook_url" toml:"webhook_url"`
	ChatWebhookURL string         `json:"chat_webhook_url,omitempty" yaml:"chat_webhook_url" toml:"chat_webhook_url"`
	IssueRepo      string         `json:"issue_repo,omitempty" yaml:"issue_repo" toml:"issue_repo"`
	ScriptPath     string         `json:"script_path,omitempty" yaml:"script_path" toml:"script_path"`
	Rollback       RollbackConfig `json:"rollback" yaml:"rollback" toml:"rollback"`
}

// RollbackConfig identifies the deployment project to roll back.
type RollbackConfig struct {
	ProjectID string `json:"project_id,omitempty" yaml:"project_id" toml:"project_id"`
	TeamID    string `json:"team_id,omitempty" yaml:"team_id" toml:"team_id"`
}
