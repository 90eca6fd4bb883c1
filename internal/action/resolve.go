package action

import "github.com/raysh454/lucid/internal/model"

// Capabilities lists the credentialed channels available to the dispatcher.
type Capabilities struct {
	// Rollback is true when a deployment token and the profile's project id
	// are configured.
	Rollback bool
	// Issues is true when a GitHub token is configured.
	Issues bool
}

// Resolve maps the winning dream strategy to a production action.
//
//   - rollback_simulation becomes a real rollback when caps.Rollback,
//     otherwise the profile's configured action.
//   - Page-level strategies cannot be applied to production, so they become
//     a reporting action unless the profile names a non-rollback action.
//   - Anything else gets the profile's configured action.
//
// A configured rollback without credentials degrades to reporting.
func Resolve(strategy model.StrategyName, profile *model.SiteProfile, caps Capabilities) model.ActionKind {
	switch strategy {
	case model.StrategyRollbackSimulation:
		if caps.Rollback {
			return model.ActionRollback
		}
		return configured(profile, caps)
	case model.StrategyCSSPatchTargeted, model.StrategyDOMRemoval, model.StrategyStyleOverride,
		model.StrategyJSInjection, model.StrategyCacheClear:
		if kind := explicitAction(profile); kind != "" && kind != model.ActionRollback {
			return kind
		}
		return reporting(profile, caps)
	default:
		return configured(profile, caps)
	}
}

func explicitAction(profile *model.SiteProfile) model.ActionKind {
	if profile == nil || profile.Remediation.Action == model.ActionNone {
		return ""
	}
	return profile.Remediation.Action
}

func configured(profile *model.SiteProfile, caps Capabilities) model.ActionKind {
	kind := explicitAction(profile)
	switch {
	case kind == "":
		return model.ActionNone
	case kind == model.ActionRollback && !caps.Rollback:
		return reporting(profile, caps)
	}
	return kind
}

// reporting picks the richest reporting channel the profile can use.
func reporting(profile *model.SiteProfile, caps Capabilities) model.ActionKind {
	if profile == nil {
		return model.ActionNone
	}
	r := profile.Remediation
	switch {
	case r.IssueRepo != "" && caps.Issues:
		return model.ActionIssue
	case r.WebhookURL != "":
		return model.ActionWebhook
	case r.ChatWebhookURL != "":
		return model.ActionAlert
	}
	return model.ActionNone
}
