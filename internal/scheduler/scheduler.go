package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/pkg/schema"
)

// Runner runs one workflow file to completion.
type Runner interface {
	RunFile(ctx context.Context, path string, inputs map[string]any) *schema.WorkflowResult
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, path string, inputs map[string]any) *schema.WorkflowResult

func (f RunnerFunc) RunFile(ctx context.Context, path string, inputs map[string]any) *schema.WorkflowResult {
	return f(ctx, path, inputs)
}

// Job runs a workflow file on a cron schedule.
type Job struct {
	ID       string         `yaml:"id"`
	Schedule string         `yaml:"schedule"`
	Workflow string         `yaml:"workflow"`
	Inputs   map[string]any `yaml:"inputs,omitempty"`
	Disabled bool           `yaml:"disabled,omitempty"`
}

// JobStatus is a job plus its latest run.
type JobStatus struct {
	Job
	NextRunAt  *time.Time       `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time       `json:"last_run_at,omitempty"`
	LastRunID  string           `json:"last_run_id,omitempty"`
	LastStatus schema.RunStatus `json:"last_status,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
}

type entry struct {
	job       Job
	cronID    cron.EntryID
	running   bool
	lastRunAt *time.Time
	lastRunID string
	lastState schema.RunStatus
	lastError string
}

// Scheduler fires workflow runs from cron expressions. Overlapping runs of
// the same job are skipped.
type Scheduler struct {
	runner Runner
	parser cron.Parser
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a Scheduler. Schedules use the five standard cron
// fields or a descriptor such as "@hourly" or "@every 10m".
func NewScheduler(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		runner: runner,
		parser: parser,
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.Recover(cronLogger{logger}))),
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*entry),
		ctx:    context.Background(),
	}
}

// Add registers a job. Disabled jobs are tracked but never fire.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job id is required")
	}
	if job.Workflow == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q: workflow is required", job.ID)
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q: parse cron expression %q: %v", job.ID, job.Schedule, err).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already registered", job.ID)
	}
	e := &entry{job: job}
	if !job.Disabled {
		id := job.ID
		e.cronID = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
	}
	s.jobs[job.ID] = e
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	delete(s.jobs, id)
	return nil
}

// Start begins firing jobs. Runs inherit ctx and are cancelled with it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the schedule, cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs a job immediately, outside its schedule, and returns the result.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*schema.WorkflowResult, error) {
	e, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, e), nil
}

// Jobs lists every registered job with its latest run, sorted by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := JobStatus{
			Job:        e.job,
			LastRunAt:  e.lastRunAt,
			LastRunID:  e.lastRunID,
			LastStatus: e.lastState,
			LastError:  e.lastError,
		}
		if e.cronID != 0 {
			if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
				st.NextRunAt = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CalculateNextRun computes the next activation of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return sched.Next(from), nil
}

func (s *Scheduler) fire(id string) {
	e, err := s.acquire(id)
	if err != nil {
		s.logger.Warn("skipping scheduled run", slog.String("job_id", id), slog.String("reason", err.Error()))
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.run(ctx, e)
}

// acquire marks the job running. A job already running is a conflict.
func (s *Scheduler) acquire(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	if e.running {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q is already running", id)
	}
	e.running = true
	return e, nil
}

func (s *Scheduler) run(ctx context.Context, e *entry) *schema.WorkflowResult {
	started := s.now().UTC()
	s.logger.Info("running scheduled job", slog.String("job_id", e.job.ID), slog.String("workflow", e.job.Workflow))

	res := s.runner.RunFile(ctx, e.job.Workflow, e.job.Inputs)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false
	e.lastRunAt = &started
	if res == nil {
		e.lastRunID, e.lastState, e.lastError = "", schema.RunStatusFailed, "runner returned no result"
		return res
	}
	e.lastRunID, e.lastState, e.lastError = res.RunID, res.Status, res.Error

	log := logging.LogWith(logging.WithRunID(ctx, res.RunID), s.logger)
	if res.Status == schema.RunStatusFailed {
		log.Error("scheduled job failed", slog.String("job_id", e.job.ID), slog.String("error", res.Error))
	} else {
		log.Info("scheduled job finished", slog.String("job_id", e.job.ID), slog.String("status", string(res.Status)))
	}
	return res
}

// jobsFile is the on-disk schedule format.
type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadJobs reads a YAML schedule file. Relative workflow paths resolve
// against the file's directory.
func LoadJobs(path string) ([]Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read schedule %s: %v", path, err).WithCause(err)
	}
	var f jobsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse schedule %s: %v", path, err).WithCause(err)
	}
	base := filepath.Dir(path)
	for i := range f.Jobs {
		if f.Jobs[i].Workflow != "" && !filepath.IsAbs(f.Jobs[i].Workflow) {
			f.Jobs[i].Workflow = filepath.Join(base, f.Jobs[i].Workflow)
		}
	}
	return f.Jobs, nil
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(fmt.Sprintf("cron: %s", msg), keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(fmt.Sprintf("cron: %s", msg), append(keysAndValues, "error", err)...)
}
