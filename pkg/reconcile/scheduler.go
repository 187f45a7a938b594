package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// State is the scheduler's lifecycle state.
//
//	Stopped → Running → Stopping → Stopped
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

func (s State) String() string { return string(s) }

var validTransitions = map[State][]State{
	StateStopped:  {StateRunning},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// ValidTransition reports whether the scheduler may move from one state to
// another.
func ValidTransition(from, to State) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Schedule binds a job to its interval.
type Schedule struct {
	Job      Job
	Interval time.Duration
}

type entry struct {
	job      Job
	interval time.Duration

	// active guards against overlapping runs of the same job.
	active bool
	last   *Run
}

// Scheduler runs jobs on independent intervals. A tick that arrives while
// the previous run of the same job is still active is skipped, and a run
// started with [Scheduler.RunNow] counts as active.
//
// Scheduler is safe for concurrent use by multiple goroutines.
type Scheduler struct {
	runTimeout time.Duration
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time

	mu      sync.Mutex
	state   State
	entries map[string]*entry
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped Scheduler. runTimeout bounds every run.
func NewScheduler(runTimeout time.Duration, logger *slog.Logger, recorder Recorder, schedules ...Schedule) (*Scheduler, error) {
	if runTimeout <= 0 {
		return nil, sserr.New(sserr.CodeValidationRange, "reconcile: run timeout must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	s := &Scheduler{
		runTimeout: runTimeout,
		logger:     logger,
		recorder:   recorder,
		now:        time.Now,
		state:      StateStopped,
		entries:    make(map[string]*entry, len(schedules)),
	}
	for _, sc := range schedules {
		if sc.Job == nil || sc.Interval <= 0 {
			return nil, sserr.New(sserr.CodeValidation, "reconcile: every schedule needs a job and a positive interval")
		}
		name := sc.Job.Name()
		if _, dup := s.entries[name]; dup {
			return nil, sserr.Newf(sserr.CodeConflict, "reconcile: job %q scheduled twice", name)
		}
		s.entries[name] = &entry{job: sc.Job, interval: sc.Interval}
		s.order = append(s.order, name)
	}
	return s, nil
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches one ticker goroutine per job. The first run of each job
// happens one interval after Start. ctx bounds the scheduler's lifetime.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateRunning); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		e := s.entries[name]
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.InfoContext(ctx, "reconcile: scheduler started", "jobs", s.order)
	return nil
}

// Stop cancels in-flight runs and waits for the ticker goroutines to exit.
// If ctx is done first, Stop returns a TIMEOUT error and the scheduler
// stays in StateStopping until the goroutines have exited, so it cannot be
// restarted on top of them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if err := s.transition(StateStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.mu.Lock()
		_ = s.transition(StateStopped)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "reconcile: scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "reconcile: scheduler still draining runs after stop deadline")
		return sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "reconcile: scheduler did not stop in time")
	}
}

// transition must be called with s.mu held.
func (s *Scheduler) transition(to State) error {
	if !ValidTransition(s.state, to) {
		return sserr.Newf(sserr.CodeConflict, "reconcile: scheduler cannot move from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.execute(ctx, e, TriggerSchedule); err != nil && sserr.IsConflict(err) {
				s.logger.InfoContext(ctx, "reconcile: previous run still active, skipping tick",
					"job", e.job.Name())
			}
		}
	}
}

// RunNow runs the named job synchronously and returns its record. It fails
// with a CONFLICT error when a run of the job is already active.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*Run, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFound, "reconcile: unknown job %q", name)
	}
	return s.execute(ctx, e, TriggerManual)
}

// execute runs e's job once unless a run is already active. The returned
// error is only about scheduling; job failures are recorded on the Run.
func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) (*Run, error) {
	s.mu.Lock()
	if e.active {
		s.mu.Unlock()
		return nil, sserr.Newf(sserr.CodeConflict, "reconcile: job %q is already running", e.job.Name())
	}
	e.active = true
	s.mu.Unlock()

	run := RunJob(ctx, e.job, trigger, s.runTimeout, s.now, s.logger, s.recorder)

	s.mu.Lock()
	e.active = false
	e.last = run
	s.mu.Unlock()
	return run, nil
}

// Runs returns a copy of the last run of every job that has run, in
// schedule order.
func (s *Scheduler) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]Run, 0, len(s.order))
	for _, name := range s.order {
		if last := s.entries[name].last; last != nil {
			runs = append(runs, *last)
		}
	}
	return runs
}

// RunJob executes job once under timeout, logs the summary and reports the
// duration. It is the shared path for scheduled runs and one-shot command
// line runs.
func RunJob(ctx context.Context, job Job, trigger string, timeout time.Duration, now func() time.Time, logger *slog.Logger, recorder Recorder) *Run {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := now()
	run := newRun(job.Name(), trigger, start)
	rep, err := job.Run(ctx, start)
	run.finish(now(), rep, err)
	recorder.RunDuration(job.Name(), run.Duration(), err)

	attrs := []any{
		"job", run.Job,
		"run_id", run.ID,
		"trigger", trigger,
		"status", run.Status,
		"duration", run.Duration(),
		"report", rep,
	}
	if err != nil {
		logger.ErrorContext(ctx, "reconcile: run aborted", append(attrs, "error", err)...)
	} else {
		logger.InfoContext(ctx, "reconcile: run completed", attrs...)
	}
	return run
}
