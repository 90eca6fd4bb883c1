package dream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/deploy"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/utils"
)

// Side-effect tags attached to results.
const (
	TagRollbackFallback = "rollback_fallback:dom_removal"
	TagNovelStrategy    = "novel_strategy_heuristic"
)

// heuristicOverlaySelectors match the usual names of modal backdrops and
// promotional layers when no blocking element was identified.
const heuristicOverlaySelectors = `[id*="overlay"], [class*="overlay"], [class*="backdrop"], [class*="modal-mask"], [id*="interstitial"]`

const styleOverrideCSS = `a, button, input, select, textarea, summary, label,
[role="button"], [role="link"], [onclick] { pointer-events: auto !important; }
[style*="position: fixed"][style*="z-index"],
[style*="position:fixed"][style*="z-index"],
[style*="opacity: 0"], [style*="opacity:0"] { pointer-events: none !important; }`

// overlayJS finds fixed or absolute elements covering at least half of the
// viewport with z-index >= 1000. mode "hide" neutralises them, "remove"
// detaches them. It returns the number of elements handled.
const overlayJS = `(function (mode) {
	const vw = window.innerWidth || document.documentElement.clientWidth;
	const vh = window.innerHeight || document.documentElement.clientHeight;
	if (!vw || !vh) { return 0; }
	let n = 0;
	Array.from(document.querySelectorAll('body *')).forEach(function (el) {
		const cs = window.getComputedStyle(el);
		if (cs.position !== 'fixed' && cs.position !== 'absolute') { return; }
		const z = parseInt(cs.zIndex, 10);
		if (isNaN(z) || z < 1000) { return; }
		const r = el.getBoundingClientRect();
		const w = Math.max(0, Math.min(r.right, vw) - Math.max(r.left, 0));
		const h = Math.max(0, Math.min(r.bottom, vh) - Math.max(r.top, 0));
		if ((w * h) / (vw * vh) < 0.5) { return; }
		if (mode === 'remove') {
			el.remove();
		} else {
			el.style.setProperty('pointer-events', 'none', 'important');
			el.style.setProperty('display', 'none', 'important');
		}
		n++;
	});
	return n;
})`

func overlayScript(mode string) string {
	arg, _ := json.Marshal(mode)
	return fmt.Sprintf("%s(%s)", overlayJS, arg)
}

func neutralizeCSS(selector string) string {
	return selector + " { pointer-events: none !important; display: none !important; }"
}

// applied describes a mutation that ran.
type applied struct {
	Detail string
	Tags   []string
}

// mutate applies the strategy's mutation to sess.
func (e *Engine) mutate(ctx context.Context, sess browser.Session, inc *model.Incident, profile *model.SiteProfile, name model.StrategyName) (applied, error) {
	switch name {
	case model.StrategyCSSPatchTargeted:
		return cssPatch(ctx, sess, inc)
	case model.StrategyDOMRemoval:
		return removeBlocking(ctx, sess, inc)
	case model.StrategyStyleOverride:
		if err := sess.InjectCSS(ctx, styleOverrideCSS); err != nil {
			return applied{}, err
		}
		return applied{Detail: "forced pointer events on interactive elements", Tags: []string{"css:global"}}, nil
	case model.StrategyJSInjection:
		return neutralizeOverlays(ctx, sess)
	case model.StrategyCacheClear:
		if err := sess.ClearCache(ctx); err != nil {
			return applied{}, err
		}
		if err := sess.Reload(ctx); err != nil {
			return applied{}, fmt.Errorf("reload after cache clear: %w", err)
		}
		return applied{Detail: "cleared cache and storage, reloaded", Tags: []string{"cache_cleared"}}, nil
	case model.StrategyRollbackSimulation:
		return e.rollback(ctx, sess, inc, profile)
	default:
		out, err := neutralizeOverlays(ctx, sess)
		out.Tags = append([]string{TagNovelStrategy}, out.Tags...)
		out.Detail = fmt.Sprintf("no mutation known for %q, applied overlay heuristic: %s", name, out.Detail)
		return out, err
	}
}

func cssPatch(ctx context.Context, sess browser.Session, inc *model.Incident) (applied, error) {
	if sel := blockingSelector(inc); sel != "" {
		if err := sess.InjectCSS(ctx, neutralizeCSS(sel)); err != nil {
			return applied{}, err
		}
		return applied{Detail: "neutralised " + sel, Tags: []string{"css:targeted"}}, nil
	}
	if err := sess.InjectCSS(ctx, neutralizeCSS(heuristicOverlaySelectors)); err != nil {
		return applied{}, err
	}
	return applied{Detail: "neutralised heuristic overlay selectors", Tags: []string{"css:heuristic"}}, nil
}

// removeBlocking removes the incident's blocking element, or any full
// viewport overlay when the locator is missing or stale.
func removeBlocking(ctx context.Context, sess browser.Session, inc *model.Incident) (applied, error) {
	if sel := blockingSelector(inc); sel != "" {
		n, err := sess.RemoveElements(ctx, sel)
		if err != nil {
			return applied{}, err
		}
		if n > 0 {
			return applied{
				Detail: fmt.Sprintf("removed %d element(s) matching %s", n, sel),
				Tags:   []string{"removed:" + sel},
			}, nil
		}
	}
	var n int
	if err := sess.Evaluate(ctx, overlayScript("remove"), &n); err != nil {
		return applied{}, err
	}
	return applied{
		Detail: fmt.Sprintf("removed %d heuristic overlay(s)", n),
		Tags:   []string{"removed:heuristic"},
	}, nil
}

func neutralizeOverlays(ctx context.Context, sess browser.Session) (applied, error) {
	var n int
	if err := sess.Evaluate(ctx, overlayScript("hide"), &n); err != nil {
		return applied{}, err
	}
	return applied{
		Detail: fmt.Sprintf("neutralised %d overlay(s)", n),
		Tags:   []string{fmt.Sprintf("overlays_neutralised:%d", n)},
	}, nil
}

// rollback previews the newest READY deployment older than the current one.
// Without deployment access it removes the blocking element instead and
// labels the result so it is never mistaken for a real rollback preview.
func (e *Engine) rollback(ctx context.Context, sess browser.Session, inc *model.Incident, profile *model.SiteProfile) (applied, error) {
	dep, err := e.priorDeployment(ctx, inc, profile)
	if err != nil {
		e.logger.Warn("rollback preview unavailable, removing blocking element instead",
			logging.Field{Key: "incident_id", Value: inc.ID},
			logging.Field{Key: "error", Value: err.Error()})
		out, rerr := removeBlocking(ctx, sess, inc)
		out.Tags = append([]string{TagRollbackFallback}, out.Tags...)
		out.Detail = fmt.Sprintf("rollback unavailable (%v); %s", err, out.Detail)
		return out, rerr
	}

	target, err := utils.WithPath(dep.Href(), inc.TargetURL)
	if err != nil {
		return applied{}, fmt.Errorf("deployment url: %w", err)
	}
	if err := e.navigate(ctx, sess, target); err != nil {
		return applied{}, err
	}
	return applied{
		Detail: fmt.Sprintf("previewed deployment %s at %s", dep.ID, target),
		Tags:   []string{"rollback_preview:" + dep.ID},
	}, nil
}

func (e *Engine) priorDeployment(ctx context.Context, inc *model.Incident, profile *model.SiteProfile) (deploy.Deployment, error) {
	if e.deployments == nil || profile == nil {
		return deploy.Deployment{}, deploy.ErrDeployUnavailable
	}
	deps, err := e.deployments.List(ctx, deploy.RollbackTarget{
		ProjectID: profile.Remediation.Rollback.ProjectID,
		TeamID:    profile.Remediation.Rollback.TeamID,
	})
	if err != nil {
		return deploy.Deployment{}, err
	}
	dep, err := deploy.PriorReady(deps, inc.TargetURL)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if dep.Href() == "" {
		return deploy.Deployment{}, errors.New("prior deployment has no url")
	}
	return dep, nil
}

func blockingSelector(inc *model.Incident) string {
	if inc == nil || inc.BlockingElement == nil {
		return ""
	}
	return inc.BlockingElement.Selector
}
