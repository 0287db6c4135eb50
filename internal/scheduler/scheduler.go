// Package scheduler runs named jobs on independent tickers inside one
// process. Each job is single-flight: a tick that arrives while the previous
// run is still going is skipped and counted, never queued. Job state lives on
// the Scheduler instance and transitions are published through an
// events.Emitter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/albapepper/slotwatch/internal/events"
	"github.com/albapepper/slotwatch/internal/metrics"
	"github.com/albapepper/slotwatch/internal/observability"
)

var (
	// ErrJobRunning is returned by TriggerNow when the job is mid-run.
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned for names that were never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// State is the lifecycle state of a job.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed" // last run failed; the next tick runs normally
)

// Job is one periodic unit of work.
type Job struct {
	Name       string
	Interval   time.Duration
	Gate       Gate          // nil means AlwaysOpen
	Timeout    time.Duration // per run; zero means none
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Status is a copy of a job's state.
type Status struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Interval     time.Duration `json:"interval"`
	LastRun      time.Time     `json:"last_run,omitzero"`
	LastSuccess  time.Time     `json:"last_success,omitzero"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	RunCount     int64         `json:"run_count"`
	FailCount    int64         `json:"fail_count"`
	SkipCount    int64         `json:"skip_count"`
}

// Transition is published on every state change.
type Transition struct {
	Job      string
	From     State
	To       State
	At       time.Time
	Duration time.Duration // set when a run ends
	Err      error
}

// Config wires a Scheduler.
type Config struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

type entry struct {
	job    Job
	status Status
}

// Scheduler owns a set of jobs and their state.
type Scheduler struct {
	clock  func() time.Time
	logger *slog.Logger
	events events.Emitter[Transition]

	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	started bool

	stopLoops  context.CancelFunc
	runCtx     context.Context
	cancelRuns context.CancelFunc
	loops      sync.WaitGroup
	runs       sync.WaitGroup
}

// New returns an empty Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		clock:  cfg.Clock,
		logger: cfg.Logger,
		jobs:   make(map[string]*entry),
	}
}

// Events exposes the transition emitter for subscribers.
func (s *Scheduler) Events() *events.Emitter[Transition] { return &s.events }

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", job.Name)
	}
	if job.Gate == nil {
		job.Gate = AlwaysOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: job %s registered after start", job.Name)
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("scheduler: duplicate job %s", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, status: Status{Name: job.Name, State: StateIdle, Interval: job.Interval}}
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches one ticker loop per job. Cancelling ctx stops the tickers;
// in-flight runs keep going until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	var loopCtx context.Context
	loopCtx, s.stopLoops = context.WithCancel(ctx)
	s.runCtx, s.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	entries := make([]*entry, 0, len(s.order))
	for _, name := range s.order {
		entries = append(entries, s.jobs[name])
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.loops.Add(1)
		go s.loop(loopCtx, e.job)
		s.logger.Info("Job scheduled", "job", e.job.Name, "interval", e.job.Interval)
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.loops.Done()

	if job.RunOnStart {
		s.tick(job)
	}
	t := time.NewTicker(job.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.tick(job)
		case <-ctx.Done():
			return
		}
	}
}

// tick handles one scheduled firing. The run itself happens on its own
// goroutine so later ticks can observe it and skip.
func (s *Scheduler) tick(job Job) {
	if !job.Gate.Open(s.clock()) {
		metrics.JobSkipsTotal.WithLabelValues(job.Name, "gate").Inc()
		s.logger.Debug("Job gate closed, skipping tick", "job", job.Name)
		return
	}
	if err := s.begin(job.Name); err != nil {
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		_ = s.run(s.runCtx, job)
	}()
}

// TriggerNow runs the job immediately on the caller's goroutine, bypassing
// the gate but not the single-flight guard, and returns the run's error.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if err := s.begin(name); err != nil {
		return err
	}
	s.runs.Add(1)
	defer s.runs.Done()
	return s.run(ctx, e.job)
}

// begin moves a job to Running, or reports it busy.
func (s *Scheduler) begin(name string) error {
	s.mu.Lock()
	e := s.jobs[name]
	if e.status.State == StateRunning {
		e.status.SkipCount++
		skips := e.status.SkipCount
		s.mu.Unlock()
		metrics.JobSkipsTotal.WithLabelValues(name, "running").Inc()
		s.logger.Warn("Job still running, skipping", "job", name, "skips", skips)
		return ErrJobRunning
	}
	from := e.status.State
	e.status.State = StateRunning
	e.status.RunCount++
	s.mu.Unlock()

	s.events.Emit(Transition{Job: name, From: from, To: StateRunning, At: s.clock()})
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job) (err error) {
	ctx, span := observability.Tracer().Start(ctx, "job."+job.Name)
	defer span.End()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := s.clock()
	outcome := metrics.OutcomeSuccess
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = metrics.OutcomePanic
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = job.Run(ctx)
	}()
	if err != nil && outcome != metrics.OutcomePanic {
		outcome = metrics.OutcomeError
	}
	end := s.clock()
	dur := end.Sub(start)

	to := StateIdle
	s.mu.Lock()
	e := s.jobs[job.Name]
	e.status.LastRun = start
	e.status.LastDuration = dur
	if err != nil {
		to = StateFailed
		e.status.FailCount++
		e.status.LastError = err.Error()
	} else {
		e.status.LastSuccess = end
		e.status.LastError = ""
	}
	e.status.State = to
	s.mu.Unlock()

	metrics.ObserveJob(job.Name, outcome, dur)
	span.SetAttributes(attribute.String("job.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Job failed", "job", job.Name, "duration", dur.Round(time.Millisecond), "error", err)
	} else {
		s.logger.Info("Job complete", "job", job.Name, "duration", dur.Round(time.Millisecond))
	}

	s.events.Emit(Transition{Job: job.Name, From: StateRunning, To: to, At: end, Duration: dur, Err: err})
	return err
}

// Stop halts the tickers and waits up to grace for in-flight runs. Runs
// still going after grace have their context cancelled and are abandoned.
// It reports whether every run finished in time.
func (s *Scheduler) Stop(grace time.Duration) bool {
	s.mu.Lock()
	stopLoops, cancelRuns := s.stopLoops, s.cancelRuns
	s.mu.Unlock()
	if stopLoops == nil {
		return true
	}
	stopLoops()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		cancelRuns()
		s.logger.Info("Scheduler stopped")
		return true
	case <-t.C:
		cancelRuns()
		s.logger.Warn("Scheduler stop grace expired, abandoning running jobs", "grace", grace)
		return false
	}
}

// Snapshot returns a copy of every job's status in registration order.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].status)
	}
	return out
}

// Status returns a copy of one job's status.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}
