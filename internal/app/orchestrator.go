package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/lucid/internal/action"
	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/memory"
	"github.com/raysh454/lucid/internal/metrics"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/reasoning"
)

// ErrClosed is returned when a job is started after Close.
var ErrClosed = errors.New("orchestrator closed")

type JobEventType string

const (
	JobEventStatus JobEventType = "status"
	JobEventPhase  JobEventType = "phase"
	JobEventResult JobEventType = "result"
)

// PhaseEvent is streamed to job subscribers. Status events carry Status,
// phase events carry Phase and a human-readable Message.
type PhaseEvent struct {
	JobID string       `json:"job_id"`
	Type  JobEventType `json:"type"`
	At    time.Time    `json:"at"`

	Status JobStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`

	Phase      model.Phase `json:"phase,omitempty"`
	IncidentID string      `json:"incident_id,omitempty"`
	Message    string      `json:"message,omitempty"`

	Report *RunReport `json:"report,omitempty"`
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

const jobEventBuffer = 32

type Job struct {
	ID        string          `json:"id"`
	Profile   string          `json:"profile"`
	Status    JobStatus       `json:"status"`
	Phase     model.Phase     `json:"phase,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Events    chan PhaseEvent `json:"-"`

	Report *RunReport `json:"report,omitempty"`
}

func (j *Job) finished() bool {
	return j.Status == JobDone || j.Status == JobFailed || j.Status == JobCanceled
}

// Profiles is the read side of the site profile registry.
type Profiles interface {
	Get(slug string) (*model.SiteProfile, error)
	List() []model.SiteProfile
}

type Perceiver interface {
	Run(ctx context.Context, profile *model.SiteProfile) (*model.PerceptionResult, error)
}

type Dreamer interface {
	RunDreamCycle(ctx context.Context, inc *model.Incident, past []model.IncidentMemory, profile *model.SiteProfile) (*model.DreamReport, error)
}

type Dispatcher interface {
	Resolve(strategy model.StrategyName, profile *model.SiteProfile) model.ActionKind
	Dispatch(ctx context.Context, req action.Request) model.ActionResult
}

// Components are the collaborators a cycle runs through. Memory and
// Reasoner may be nil; learning and embeddings then degrade.
type Components struct {
	Profiles   Profiles
	Perception Perceiver
	Dreams     Dreamer
	Actions    Dispatcher
	Memory     *memory.Service
	Reasoner   reasoning.Client
	Metrics    *metrics.Metrics
}

type Orchestrator struct {
	cfg    *Config
	comps  Components
	logger logging.Logger

	jobsMu     sync.Mutex
	jobs       map[string]*Job
	jobCancels map[string]context.CancelFunc
	jobsWG     sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
	janitor  sync.WaitGroup
}

// NewOrchestrator ties together config, components and logger. Finished
// jobs are forgotten after cfg.Server.JobRetention.
func NewOrchestrator(cfg *Config, comps Components, logger logging.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if comps.Reasoner == nil {
		comps.Reasoner = reasoning.Disabled{}
	}
	o := &Orchestrator{
		cfg:        cfg,
		comps:      comps,
		logger:     logger.With(logging.Field{Key: "component", Value: "orchestrator"}),
		jobs:       make(map[string]*Job),
		jobCancels: make(map[string]context.CancelFunc),
		stop:       make(chan struct{}),
	}
	if cfg.Server.JobRetention > 0 {
		o.janitor.Add(1)
		go o.expireJobs(cfg.Server.JobRetention)
	}
	return o
}

func (o *Orchestrator) expireJobs(retention time.Duration) {
	defer o.janitor.Done()
	interval := retention / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case now := <-ticker.C:
			o.jobsMu.Lock()
			for id, j := range o.jobs {
				if j.finished() && now.Sub(j.EndedAt) > retention {
					delete(o.jobs, id)
				}
			}
			o.jobsMu.Unlock()
		}
	}
}

func (o *Orchestrator) emitJobEvent(jobID string, ev PhaseEvent) {
	o.jobsMu.Lock()
	job, ok := o.jobs[jobID]
	o.jobsMu.Unlock()
	if !ok || job == nil || job.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	// Non-blocking send; drop if buffer is full.
	select {
	case job.Events <- ev:
	default:
	}
}

func (o *Orchestrator) updateJob(jobID string, fn func(j *Job)) {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	if j, ok := o.jobs[jobID]; ok {
		fn(j)
	}
}

func (o *Orchestrator) setStatus(jobID string, status JobStatus, errMsg string) {
	o.updateJob(jobID, func(j *Job) {
		j.Status = status
		j.Error = errMsg
	})
	o.emitJobEvent(jobID, PhaseEvent{
		JobID:  jobID,
		Type:   JobEventStatus,
		Status: status,
		Error:  errMsg,
	})
}

// StartRunJob validates the profile and runs one cycle in the background.
// The job outlives ctx's cancellation; use CancelJob to stop it.
func (o *Orchestrator) StartRunJob(ctx context.Context, slug string) (*Job, error) {
	if _, err := o.profile(slug); err != nil {
		return nil, err
	}

	select {
	case <-o.stop:
		return nil, ErrClosed
	default:
	}

	jobID := uuid.New().String()
	job := &Job{
		ID:        jobID,
		Profile:   slug,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
		Events:    make(chan PhaseEvent, jobEventBuffer),
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.jobsMu.Lock()
	// Close closes stop before it takes jobsMu, so a job registered here is
	// either refused or seen by Close's cancel loop and Wait.
	select {
	case <-o.stop:
		o.jobsMu.Unlock()
		cancel()
		return nil, ErrClosed
	default:
	}
	o.jobs[jobID] = job
	o.jobCancels[jobID] = cancel
	o.jobsWG.Add(1)
	o.jobsMu.Unlock()

	o.emitJobEvent(jobID, PhaseEvent{JobID: jobID, Type: JobEventStatus, Status: JobPending})
	snapshot := *job

	go func() {
		defer o.jobsWG.Done()
		defer func() {
			cancel()
			o.jobsMu.Lock()
			delete(o.jobCancels, jobID)
			j := o.jobs[jobID]
			if j != nil {
				j.EndedAt = time.Now().UTC()
			}
			o.jobsMu.Unlock()

			// Close events channel so websocket loop can terminate cleanly
			if j != nil && j.Events != nil {
				close(j.Events)
			}
		}()

		o.setStatus(jobID, JobRunning, "")

		report, err := o.runCycle(jobCtx, slug, func(phase model.Phase, incidentID, msg string) {
			o.updateJob(jobID, func(j *Job) { j.Phase = phase })
			o.emitJobEvent(jobID, PhaseEvent{
				JobID:      jobID,
				Type:       JobEventPhase,
				Phase:      phase,
				IncidentID: incidentID,
				Message:    msg,
			})
		})
		o.updateJob(jobID, func(j *Job) { j.Report = report })

		switch {
		case jobCtx.Err() != nil:
			o.setStatus(jobID, JobCanceled, jobCtx.Err().Error())
		case err != nil:
			o.setStatus(jobID, JobFailed, err.Error())
		default:
			o.updateJob(jobID, func(j *Job) { j.Status = JobDone })
			o.emitJobEvent(jobID, PhaseEvent{
				JobID:  jobID,
				Type:   JobEventResult,
				Status: JobDone,
				Phase:  report.Phase,
				Report: report,
			})
		}
	}()

	return &snapshot, nil
}

// CancelJob stops a running job. It reports whether the job was running.
func (o *Orchestrator) CancelJob(jobID string) bool {
	o.jobsMu.Lock()
	cancel := o.jobCancels[jobID]
	o.jobsMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// GetJob returns a copy of the job's current state, or nil.
func (o *Orchestrator) GetJob(jobID string) *Job {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// ListJobs returns copies of the retained jobs, newest first.
func (o *Orchestrator) ListJobs() []Job {
	o.jobsMu.Lock()
	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, *j)
	}
	o.jobsMu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

func (o *Orchestrator) ListProfiles() []model.SiteProfile {
	if o.comps.Profiles == nil {
		return nil
	}
	return o.comps.Profiles.List()
}

// RecentIncidents returns remembered incidents, newest first.
func (o *Orchestrator) RecentIncidents(ctx context.Context, limit int) ([]model.IncidentMemory, error) {
	return o.comps.Memory.RecentMemories(ctx, limit)
}

// Trace returns the unexpired thread trace of an incident.
func (o *Orchestrator) Trace(ctx context.Context, incidentID string) ([]model.TraceStep, error) {
	return o.comps.Memory.Trace(ctx, incidentID)
}

func (o *Orchestrator) profile(slug string) (*model.SiteProfile, error) {
	if o.comps.Profiles == nil {
		return nil, fmt.Errorf("no profile registry configured")
	}
	return o.comps.Profiles.Get(slug)
}

// Close cancels running jobs and waits for them to finish.
func (o *Orchestrator) Close() error {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.jobsMu.Lock()
		for _, cancel := range o.jobCancels {
			cancel()
		}
		o.jobsMu.Unlock()
	})
	o.jobsWG.Wait()
	o.janitor.Wait()
	return nil
}
