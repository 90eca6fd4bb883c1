package dream_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/raysh454/lucid/internal/browser"
	"github.com/raysh454/lucid/internal/deploy"
	"github.com/raysh454/lucid/internal/dream"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/scoring"
	"github.com/raysh454/lucid/internal/testutil"
)

func TestMain(m *testing.M) {
	// opencensus (pulled in by the gemini client) starts a worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// ─── helpers ───────────────────────────────────────────────────────────

type stubDiagnoser struct{ diag model.Diagnosis }

func (s stubDiagnoser) Diagnose(context.Context, *model.Incident, *model.SiteProfile) model.Diagnosis {
	return s.diag
}

type stubDeployments struct {
	deps []deploy.Deployment
	err  error
}

func (s stubDeployments) List(context.Context, deploy.RollbackTarget) ([]deploy.Deployment, error) {
	return s.deps, s.err
}

var profile = &model.SiteProfile{
	Name: "Demo",
	URL:  "https://shop.test/",
	CriticalFlows: []model.CriticalFlow{
		{Name: "checkout", Selector: "#checkout"},
	},
	Remediation: model.RemediationConfig{Rollback: model.RollbackConfig{ProjectID: "prj_1"}},
}

func occlusion() *model.Incident {
	return &model.Incident{
		ID:              "inc-1",
		Type:            model.IncidentVisualOcclusion,
		Severity:        model.SeverityCritical,
		Description:     "1 of 1 critical flows failed on Demo: checkout.",
		TargetURL:       "https://shop.test/",
		BlockingElement: testutil.Overlay,
	}
}

// blockedProvider hands out sessions occluded by the overlay until one of
// the given fixes is applied.
func blockedProvider(fixes ...testutil.Fix) *testutil.FakeProvider {
	return &testutil.FakeProvider{Factory: func(n int) (*testutil.FakeSession, error) {
		s := testutil.NewFakeSession("fake")
		s.Blocked = true
		for _, f := range fixes {
			s.FixedBy[f] = true
		}
		return s, nil
	}}
}

func newEngine(p browser.Provider, diag model.Diagnosis, deps dream.Deployments, cfg dream.Config) *dream.Engine {
	log := &testutil.DummyLogger{}
	scorer := scoring.New(scoring.DefaultConfig(), nil, nil, log)
	return dream.NewEngine(cfg, p, stubDiagnoser{diag: diag}, scorer, deps, nil, log)
}

func result(t *testing.T, r *model.DreamReport, name model.StrategyName) model.DreamResult {
	t.Helper()
	for _, res := range r.Results {
		if res.Strategy == name {
			return res
		}
	}
	t.Fatalf("no result for %s", name)
	return model.DreamResult{}
}

func hasTag(res model.DreamResult, prefix string) bool {
	for _, tag := range res.SideEffects {
		if strings.HasPrefix(tag, prefix) {
			return true
		}
	}
	return false
}

// ─── RunDreamCycle ─────────────────────────────────────────────────────

func TestRunDreamCycle_RemovalWinsAndFallbackIsLabelled(t *testing.T) {
	p := blockedProvider(testutil.FixRemove)
	e := newEngine(p, model.Diagnosis{}, nil, dream.Config{})

	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)

	// rollback baseline + four occlusion fallbacks
	require.Len(t, report.Strategies, 5)
	require.Len(t, report.Results, 5)
	assert.Equal(t, 5, p.Count())
	assert.True(t, p.AllClosed())

	rb := result(t, report, model.StrategyRollbackSimulation)
	assert.True(t, rb.Success)
	assert.Contains(t, rb.SideEffects, dream.TagRollbackFallback)
	assert.Contains(t, rb.Detail, "rollback unavailable")

	removal := result(t, report, model.StrategyDOMRemoval)
	assert.True(t, removal.Success)
	assert.Contains(t, removal.SideEffects, "removed:#promo-overlay")
	assert.True(t, hasTag(removal, "dom_delta:"))
	require.NotNil(t, removal.Breakdown)
	assert.Equal(t, 1.0, removal.Breakdown.Reachability)

	css := result(t, report, model.StrategyCSSPatchTargeted)
	assert.False(t, css.Success)
	assert.Equal(t, 0.0, css.Breakdown.Reachability)

	// equal scores: the rollback baseline outranks the fallbacks by priority
	require.NotNil(t, report.Best)
	assert.Equal(t, model.StrategyRollbackSimulation, report.Best.Strategy)
	assert.Equal(t, model.StrategyRollbackSimulation, report.Results[0].Strategy)
	assert.Equal(t, model.StrategyDOMRemoval, report.Results[1].Strategy)
	assert.Contains(t, report.EnrichedDescription, "Dream cycle winner: rollback_simulation")
	assert.True(t, strings.HasPrefix(report.EnrichedDescription, "1 of 1 critical flows failed"))
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRunDreamCycle_ResultsSortedByScore(t *testing.T) {
	e := newEngine(blockedProvider(testutil.FixCSS), model.Diagnosis{}, nil, dream.Config{})
	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)

	for i := 1; i < len(report.Results); i++ {
		prev, cur := report.Results[i-1], report.Results[i]
		assert.GreaterOrEqual(t, prev.Score, cur.Score)
		if prev.Score == cur.Score {
			assert.LessOrEqual(t, prev.Priority, cur.Priority)
		}
	}
	require.NotNil(t, report.Best)
	assert.Equal(t, model.StrategyCSSPatchTargeted, report.Best.Strategy)
}

func TestRunDreamCycle_RollbackPreviewNavigatesToPriorDeployment(t *testing.T) {
	p := blockedProvider(testutil.FixNavigate)
	deps := stubDeployments{deps: []deploy.Deployment{
		{ID: "dpl_new", State: "READY", URL: "shop-new.vercel.app", Created: 2000},
		{ID: "dpl_old", State: "READY", URL: "shop-old.vercel.app", Created: 1000},
	}}
	e := newEngine(p, model.Diagnosis{}, deps, dream.Config{})

	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)

	rb := result(t, report, model.StrategyRollbackSimulation)
	assert.True(t, rb.Success)
	assert.Contains(t, rb.SideEffects, "rollback_preview:dpl_old")
	assert.NotContains(t, rb.SideEffects, dream.TagRollbackFallback)
	assert.Contains(t, rb.Detail, "https://shop-old.vercel.app/")
	require.NotNil(t, report.Best)
	assert.Equal(t, model.StrategyRollbackSimulation, report.Best.Strategy)
}

func TestRunDreamCycle_NoViableStrategy(t *testing.T) {
	e := newEngine(blockedProvider(), model.Diagnosis{}, stubDeployments{err: deploy.ErrDeployUnavailable}, dream.Config{})
	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)

	assert.Nil(t, report.Best)
	assert.Empty(t, report.EnrichedDescription)
	for _, r := range report.Results {
		assert.False(t, r.Success, r.Strategy)
		assert.LessOrEqual(t, r.Score, 1.0)
		assert.GreaterOrEqual(t, r.Score, 0.0)
	}
}

func TestRunDreamCycle_FailuresAreIsolated(t *testing.T) {
	var calls atomic.Int32
	p := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("browser pool exhausted")
		}
		s := testutil.NewFakeSession("fake")
		s.Blocked = true
		s.FixedBy[testutil.FixRemove] = true
		return s, nil
	}}
	e := newEngine(p, model.Diagnosis{}, nil, dream.Config{})

	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)
	require.Len(t, report.Results, len(report.Strategies))

	var failed int
	for _, r := range report.Results {
		if hasTag(r, "error:session") {
			failed++
			assert.Zero(t, r.Score)
			assert.False(t, r.Success)
			assert.Nil(t, r.Breakdown)
		}
	}
	assert.Equal(t, 1, failed)
	assert.True(t, p.AllClosed())
}

func TestRunDreamCycle_PanicsAndNavigationErrorsBecomeZeroResults(t *testing.T) {
	for name, mutate := range map[string]func(*testutil.FakeSession){
		"panic": func(s *testutil.FakeSession) { s.PanicOnNavigate = true },
		"error": func(s *testutil.FakeSession) { s.NavigateErr = errors.New("net::ERR_TIMED_OUT") },
	} {
		t.Run(name, func(t *testing.T) {
			p := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) {
				s := testutil.NewFakeSession("fake")
				mutate(s)
				return s, nil
			}}
			e := newEngine(p, model.Diagnosis{}, nil, dream.Config{})

			report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
			require.NoError(t, err)
			require.Len(t, report.Results, len(report.Strategies))
			for _, r := range report.Results {
				assert.Equal(t, []string{"error:navigate"}, r.SideEffects)
				assert.Zero(t, r.Score)
			}
			assert.Nil(t, report.Best)
			assert.True(t, p.AllClosed())
		})
	}
}

func TestRunDreamCycle_NovelStrategyUsesHeuristic(t *testing.T) {
	p := blockedProvider(testutil.FixScript)
	diag := model.Diagnosis{RootCause: "cookie wall", SuggestedStrategies: []string{"Purge CDN"}}
	e := newEngine(p, diag, nil, dream.Config{})

	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)

	novel := result(t, report, "purge_cdn")
	assert.Equal(t, 10, novel.Priority)
	assert.Contains(t, novel.SideEffects, dream.TagNovelStrategy)
	assert.True(t, novel.Success)

	require.NotNil(t, report.Best)
	assert.Equal(t, model.StrategyName("purge_cdn"), report.Best.Strategy)
	assert.Contains(t, report.EnrichedDescription, "Suspected root cause: cookie wall")
}

func TestRunDreamCycle_MemoryBoostRunsFirst(t *testing.T) {
	past := []model.IncidentMemory{{StrategyUsed: model.StrategyStyleOverride, Score: 0.95}}
	e := newEngine(blockedProvider(testutil.FixCSS), model.Diagnosis{}, nil, dream.Config{})

	report, err := e.RunDreamCycle(t.Context(), occlusion(), past, profile)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyStyleOverride, report.Strategies[0].Name)
	assert.Equal(t, model.OriginMemory, report.Strategies[0].Origin)
	// style_override injects CSS, so it ties with css_patch_targeted and wins on priority
	require.NotNil(t, report.Best)
	assert.Equal(t, model.StrategyStyleOverride, report.Best.Strategy)
}

func TestRunDreamCycle_CacheClear(t *testing.T) {
	p := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) {
		s := testutil.NewFakeSession("fake")
		s.Blocked = true
		s.FixedBy[testutil.FixCache] = true
		return s, nil
	}}
	inc := occlusion()
	inc.Type = model.IncidentContentMissing
	inc.BlockingElement = nil
	e := newEngine(p, model.Diagnosis{}, nil, dream.Config{})

	report, err := e.RunDreamCycle(t.Context(), inc, nil, profile)
	require.NoError(t, err)
	require.NotNil(t, report.Best)
	assert.Equal(t, model.StrategyCacheClear, report.Best.Strategy)
	assert.Contains(t, report.Best.SideEffects, "cache_cleared")
}

func TestRunDreamCycle_CanceledContext(t *testing.T) {
	p := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) {
		s := testutil.NewFakeSession("fake")
		s.NavigateDelay = time.Second
		return s, nil
	}}
	e := newEngine(p, model.Diagnosis{}, nil, dream.Config{})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	report, err := e.RunDreamCycle(ctx, occlusion(), nil, profile)
	require.NoError(t, err)
	assert.Nil(t, report.Best)
	assert.Len(t, report.Results, len(report.Strategies))
}

func TestRunDreamCycle_NilIncident(t *testing.T) {
	e := newEngine(&testutil.FakeProvider{}, model.Diagnosis{}, nil, dream.Config{})
	_, err := e.RunDreamCycle(t.Context(), nil, nil, profile)
	assert.ErrorIs(t, err, dream.ErrNoIncident)
}

// ─── concurrency bound ─────────────────────────────────────────────────

type countingProvider struct {
	inner *testutil.FakeProvider

	mu           sync.Mutex
	active, peak int
}

type countingSession struct {
	browser.Session
	p *countingProvider
}

func (c *countingSession) Close() error {
	c.p.mu.Lock()
	c.p.active--
	c.p.mu.Unlock()
	return c.Session.Close()
}

func (c *countingProvider) NewSession(ctx context.Context) (browser.Session, error) {
	s, err := c.inner.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.mu.Unlock()
	return &countingSession{Session: s, p: c}, nil
}

func (c *countingProvider) Close() error { return c.inner.Close() }

func TestRunDreamCycle_MaxParallel(t *testing.T) {
	p := &countingProvider{inner: &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) {
		s := testutil.NewFakeSession("fake")
		s.NavigateDelay = 20 * time.Millisecond
		return s, nil
	}}}
	e := newEngine(p, model.Diagnosis{}, nil, dream.Config{MaxParallel: 2})

	report, err := e.RunDreamCycle(t.Context(), occlusion(), nil, profile)
	require.NoError(t, err)
	assert.Len(t, report.Results, 5)
	assert.LessOrEqual(t, p.peak, 2)
	assert.Zero(t, p.active)
}

// ─── Rank / Best ───────────────────────────────────────────────────────

func TestRankAndBest(t *testing.T) {
	t.Parallel()
	results := []model.DreamResult{
		{Strategy: "a", Score: 0.7, Priority: 60, Success: true},
		{Strategy: "b", Score: 0.9, Priority: 61, Success: false},
		{Strategy: "c", Score: 0.7, Priority: 10, Success: true},
		{Strategy: "d", Score: 0.7, Priority: 10, Success: true},
	}
	dream.Rank(results)

	got := make([]model.StrategyName, len(results))
	for i, r := range results {
		got[i] = r.Strategy
	}
	assert.Equal(t, []model.StrategyName{"b", "c", "d", "a"}, got)

	best := dream.Best(results)
	require.NotNil(t, best)
	assert.Equal(t, model.StrategyName("c"), best.Strategy)
}

func TestBest_ThresholdIsExclusive(t *testing.T) {
	t.Parallel()
	assert.Nil(t, dream.Best([]model.DreamResult{{Strategy: "a", Score: 0.5, Success: true}}))
	assert.Nil(t, dream.Best(nil))
	assert.NotNil(t, dream.Best([]model.DreamResult{{Strategy: "a", Score: 0.51, Success: true}}))
}
