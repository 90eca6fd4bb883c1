package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/lucid/internal/action"
	"github.com/raysh454/lucid/internal/app"
	"github.com/raysh454/lucid/internal/memory"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/registry"
	"github.com/raysh454/lucid/internal/server"
	"github.com/raysh454/lucid/internal/testutil"
)

// ─── fakes ─────────────────────────────────────────────────────────────

var demo = &model.SiteProfile{
	Name:          "Demo",
	Slug:          "demo",
	URL:           "https://shop.test/",
	CriticalFlows: []model.CriticalFlow{{Name: "checkout", Selector: "#checkout"}},
}

type profiles struct{}

func (profiles) Get(slug string) (*model.SiteProfile, error) {
	if slug == demo.Slug {
		return demo, nil
	}
	return nil, fmt.Errorf("%w: %s", registry.ErrProfileNotFound, slug)
}

func (profiles) List() []model.SiteProfile { return []model.SiteProfile{*demo} }

// perceiver reports the checkout occluded on the first pass only.
type perceiver struct {
	mu    sync.Mutex
	calls int
}

func (p *perceiver) Run(context.Context, *model.SiteProfile) (*model.PerceptionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return &model.PerceptionResult{
			TargetURL: demo.URL,
			Flows:     []model.FlowResult{{Name: "checkout", Occluded: true, Interceptor: testutil.Overlay}},
		}, nil
	}
	return &model.PerceptionResult{
		TargetURL: demo.URL,
		Flows:     []model.FlowResult{{Name: "checkout", Passed: true}},
		AllPassed: true,
	}, nil
}

type dreamer struct{ block bool }

func (d dreamer) RunDreamCycle(ctx context.Context, inc *model.Incident, _ []model.IncidentMemory, _ *model.SiteProfile) (*model.DreamReport, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	best := model.DreamResult{Strategy: model.StrategyDOMRemoval, Success: true, Score: 0.92}
	return &model.DreamReport{IncidentID: inc.ID, Results: []model.DreamResult{best}, Best: &best}, nil
}

type dispatcher struct{}

func (dispatcher) Resolve(model.StrategyName, *model.SiteProfile) model.ActionKind {
	return model.ActionWebhook
}

func (dispatcher) Dispatch(context.Context, action.Request) model.ActionResult {
	return model.ActionResult{Success: true, ActionType: model.ActionWebhook, Message: "delivered"}
}

type testServer struct {
	*server.Server
	orch *app.Orchestrator
}

func newTestServer(t *testing.T, cfg app.ServerConfig, d dreamer) *testServer {
	t.Helper()

	logger := &testutil.DummyLogger{}
	reg := prometheus.NewRegistry()
	orch := app.NewOrchestrator(app.DefaultConfig(), app.Components{
		Profiles:   profiles{},
		Perception: &perceiver{},
		Dreams:     d,
		Actions:    dispatcher{},
		Memory:     memory.NewService(memory.NewInMemoryStore(), memory.DefaultConfig(), logger),
		Metrics:    metrics.New(reg),
	}, logger)
	t.Cleanup(func() { orch.Close() })

	return &testServer{Server: server.NewServer(cfg, orch, reg, logger), orch: orch}
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

// runToCompletion starts a run over REST and polls until the job finishes.
func runToCompletion(t *testing.T, s *testServer) app.Job {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/profiles/demo/runs", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job app.Job
	decodeJSON(t, rec, &job)
	if job.ID == "" {
		t.Fatal("expected non-empty job ID")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, s, http.MethodGet, "/jobs/"+job.ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var cur app.Job
		decodeJSON(t, rec, &cur)
		if cur.Status == app.JobDone || cur.Status == app.JobFailed || cur.Status == app.JobCanceled {
			return cur
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", job.ID)
	return app.Job{}
}

// ─── CORS ──────────────────────────────────────────────────────────────

func TestServer_CORS_WildcardByDefault(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	rec := doJSON(t, s, http.MethodGet, "/profiles", "")
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin *, got %q", origin)
	}
}

func TestServer_CORS_RestrictedOrigins(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{AllowedOrigins: []string{"https://ops.test"}}, dreamer{})

	req := httptest.NewRequest(http.MethodGet, "/profiles", nil)
	req.Header.Set("Origin", "https://ops.test")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.test" {
		t.Errorf("expected echoed origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/profiles", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS origin, got %q", got)
	}
}

func TestServer_Preflight(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	rec := doJSON(t, s, http.MethodOptions, "/jobs/abc", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, DELETE" {
		t.Errorf("unexpected allowed methods %q", got)
	}
}

// ─── Profiles and runs ─────────────────────────────────────────────────

func TestServer_ListProfiles(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	rec := doJSON(t, s, http.MethodGet, "/profiles", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ps []model.SiteProfile
	decodeJSON(t, rec, &ps)
	if len(ps) != 1 || ps[0].Slug != "demo" {
		t.Errorf("unexpected profiles: %+v", ps)
	}
}

func TestServer_StartRun_CompletesAndIsListed(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	job := runToCompletion(t, s)
	if job.Status != app.JobDone {
		t.Fatalf("expected done, got %q (err: %s)", job.Status, job.Error)
	}
	if job.Report == nil || job.Report.Phase != model.PhaseResolved {
		t.Fatalf("expected resolved report, got %+v", job.Report)
	}

	rec := doJSON(t, s, http.MethodGet, "/jobs", "")
	var jobs []app.Job
	decodeJSON(t, rec, &jobs)
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}

func TestServer_StartRun_UnknownProfile(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	rec := doJSON(t, s, http.MethodPost, "/profiles/nope/runs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body server.ErrorResponse
	decodeJSON(t, rec, &body)
	if !strings.Contains(body.Error, "profile not found") {
		t.Errorf("unexpected error %q", body.Error)
	}
}

// ─── Jobs ──────────────────────────────────────────────────────────────

func TestServer_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	if rec := doJSON(t, s, http.MethodGet, "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodDelete, "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{block: true})

	rec := doJSON(t, s, http.MethodPost, "/profiles/demo/runs", "")
	var job app.Job
	decodeJSON(t, rec, &job)

	if rec := doJSON(t, s, http.MethodDelete, "/jobs/"+job.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j := s.orch.GetJob(job.ID); j != nil && j.Status == app.JobCanceled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job was not canceled")
}

// ─── Incidents ─────────────────────────────────────────────────────────

func TestServer_IncidentsAndTrace(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	job := runToCompletion(t, s)
	if job.Report == nil || job.Report.Incident == nil {
		t.Fatalf("expected an incident, got %+v", job.Report)
	}
	incidentID := job.Report.Incident.ID

	rec := doJSON(t, s, http.MethodGet, "/incidents?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var mems []model.IncidentMemory
	decodeJSON(t, rec, &mems)
	if len(mems) != 1 || mems[0].IncidentID != incidentID {
		t.Fatalf("unexpected incidents: %+v", mems)
	}
	if mems[0].StrategyUsed != model.StrategyDOMRemoval {
		t.Errorf("expected dom_removal, got %q", mems[0].StrategyUsed)
	}

	rec = doJSON(t, s, http.MethodGet, "/incidents/"+incidentID+"/trace", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var steps []model.TraceStep
	decodeJSON(t, rec, &steps)
	if len(steps) == 0 || steps[len(steps)-1].Phase != model.PhaseResolved {
		t.Errorf("unexpected trace: %+v", steps)
	}

	if rec := doJSON(t, s, http.MethodGet, "/incidents/unknown/trace", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServer_Incidents_BadLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	if rec := doJSON(t, s, http.MethodGet, "/incidents?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestServer_Incidents_StoreUnavailable(t *testing.T) {
	t.Parallel()
	logger := &testutil.DummyLogger{}
	orch := app.NewOrchestrator(app.DefaultConfig(), app.Components{Profiles: profiles{}}, logger)
	t.Cleanup(func() { orch.Close() })
	s := server.NewServer(app.ServerConfig{}, orch, nil, logger)

	rec := doJSON(t, s, http.MethodGet, "/incidents", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected /metrics to be absent, got %d", rec.Code)
	}
}

// ─── Metrics and docs ──────────────────────────────────────────────────

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})
	runToCompletion(t, s)

	rec := doJSON(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `lucid_cycles_total{outcome="resolved"} 1`) {
		t.Errorf("cycle counter missing from metrics:\n%s", rec.Body.String())
	}
}

func TestServer_SwaggerDoc(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})

	rec := doJSON(t, s, http.MethodGet, "/swagger/doc.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"/profiles/{slug}/runs"`) {
		t.Errorf("swagger doc is missing the runs route")
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────────

func TestServer_RunWebSocket_StreamsUntilDone(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/profiles/demo/runs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var job app.Job
	if err := conn.ReadJSON(&job); err != nil {
		t.Fatalf("read job: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected the job first")
	}

	var events []app.PhaseEvent
	for {
		var ev app.PhaseEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				t.Fatalf("unexpected read error: %v", err)
			}
			break
		}
		events = append(events, ev)
	}

	if len(events) == 0 {
		t.Fatal("expected events")
	}
	last := events[len(events)-1]
	if last.Type != app.JobEventResult || last.Status != app.JobDone {
		t.Errorf("expected final result event, got %+v", last)
	}
	if last.Report == nil || last.Report.Phase != model.PhaseResolved {
		t.Errorf("expected resolved report, got %+v", last.Report)
	}
}

func TestServer_RunWebSocket_UnknownProfile(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, app.ServerConfig{}, dreamer{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/profiles/nope/runs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var body server.ErrorResponse
	if err := conn.ReadJSON(&body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(body.Error, "profile not found") {
		t.Errorf("unexpected error %q", body.Error)
	}
}
