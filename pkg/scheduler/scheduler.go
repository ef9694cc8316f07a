// Package scheduler fires backup jobs on their cron schedules, bounds how
// many run at once and retries failed runs with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/valve"
	"github.com/jpillora/backoff"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/metrics"
)

var (
	// ErrUnknownJob is returned for a job id the scheduler does not hold.
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotInitialized is returned by Start before an executor is bound.
	ErrNotInitialized = errors.New("scheduler has no executor")
)

// Executor performs one run of a job.
type Executor interface {
	Execute(ctx context.Context, run Run) (*backup.Record, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run Run) (*backup.Record, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, run Run) (*backup.Record, error) {
	return f(ctx, run)
}

// Statistics aggregates the run counters of every job.
type Statistics struct {
	TotalJobs      int        `json:"total_jobs"`
	EnabledJobs    int        `json:"enabled_jobs"`
	RunningJobs    int        `json:"running_jobs"`
	TotalRuns      int        `json:"total_runs"`
	SuccessfulRuns int        `json:"successful_runs"`
	FailedRuns     int        `json:"failed_runs"`
	SuccessRate    float64    `json:"success_rate"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
}

// Scheduler owns the job table and the trigger loop.
type Scheduler struct {
	mu          sync.Mutex
	jobs        map[string]*job
	executor    Executor
	maxParallel int
	running     int
	// slotFreed is closed and replaced every time a slot is released.
	slotFreed chan struct{}

	totalRuns int
	succeeded int
	failed    int

	tick      time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	grace     time.Duration

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	valv     *valve.Valve
	baseCtx  context.Context
	cancel   context.CancelCauseFunc
	runs     sync.WaitGroup
	started  bool
	stopped  bool
	loopDone chan struct{}
}

// Option configures a Scheduler.
type Option func(s *Scheduler) error

// WithClock sets the clock driving the trigger loop.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) error {
		s.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = l
		return nil
	}
}

// WithMetrics sets the collectors updated with the job count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) error {
		s.metrics = m
		return nil
	}
}

// New returns an empty scheduler.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		jobs:        make(map[string]*job),
		maxParallel: 1,
		slotFreed:   make(chan struct{}),
		tick:        time.Second,
		retryBase:   30 * time.Second,
		retryMax:    30 * time.Minute,
		grace:       30 * time.Second,
		valv:        valve.New(),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.baseCtx, s.cancel = context.WithCancelCause(s.valv.Context())
	return s, nil
}

// Initialize binds the executor runs are handed to. Only the first call
// has an effect.
func (s *Scheduler) Initialize(executor Executor) error {
	if executor == nil {
		return errors.New("nil executor")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executor == nil {
		s.executor = executor
	}
	return nil
}

// ScheduleFromConfig creates one job per enabled storage config, or a
// default job when none is enabled, replacing jobs with the same id. Every
// schedule is validated first; on error nothing changes.
func (s *Scheduler) ScheduleFromConfig(cfg *config.Config) error {
	if cfg.Global.MaxParallelJobs < 1 {
		return backup.Errorf(backup.KindConfig, "scheduler.schedule", "maxParallelJobs must be at least 1, got %d", cfg.Global.MaxParallelJobs)
	}
	jobs, err := jobsFromConfig(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.maxParallel = cfg.Global.MaxParallelJobs
	if cfg.Global.TickInterval > 0 {
		s.tick = cfg.Global.TickInterval
	}
	if cfg.Global.RetryBaseDelay > 0 {
		s.retryBase = cfg.Global.RetryBaseDelay
	}
	if cfg.Global.RetryMaxDelay > 0 {
		s.retryMax = cfg.Global.RetryMaxDelay
	}
	if cfg.Global.ShutdownGracePeriod > 0 {
		s.grace = cfg.Global.ShutdownGracePeriod
	}
	for _, j := range jobs {
		if old, ok := s.jobs[j.id]; ok {
			j.state = old.state
			j.lastRun = old.lastRun
			j.lastResult = old.lastResult
			j.totalRuns, j.succeeded, j.failed = old.totalRuns, old.succeeded, old.failed
		}
		j.computeNext(now)
		s.jobs[j.id] = j
		s.logger.Info("Scheduled job", zap.String("job_id", j.id), zap.String("cron", j.schedule.Cron),
			zap.String("timezone", j.schedule.Timezone), zap.Bool("enabled", j.schedule.Enabled), zap.Time("next_run", j.nextRun))
	}
	s.metrics.SetScheduled(len(s.jobs))
	s.signalLocked()
	return nil
}

// Unschedule removes a job. A run in progress is allowed to finish.
func (s *Scheduler) Unschedule(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrUnknownJob
	}
	delete(s.jobs, jobID)
	s.metrics.SetScheduled(len(s.jobs))
	s.logger.Info("Unscheduled job", zap.String("job_id", jobID))
	return nil
}

// SetEnabled enables or disables a job and recomputes its next run.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	j.schedule.Enabled = enabled
	if !enabled {
		j.retryAt = time.Time{}
		j.retries = 0
	}
	j.computeNext(s.clock.Now())
	return nil
}

// GetNextExecutions maps every enabled job to its next cron fire time.
func (s *Scheduler) GetNextExecutions() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for id, j := range s.jobs {
		if !j.nextRun.IsZero() {
			out[id] = j.nextRun
		}
	}
	return out
}

// Jobs returns a snapshot of every job ordered by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status(now))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Job returns the snapshot of one job.
func (s *Scheduler) Job(jobID string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return JobStatus{}, ErrUnknownJob
	}
	return j.status(s.clock.Now()), nil
}

// GetStatistics aggregates the counters of the scheduler.
func (s *Scheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Statistics{
		TotalJobs:      len(s.jobs),
		RunningJobs:    s.running,
		TotalRuns:      s.totalRuns,
		SuccessfulRuns: s.succeeded,
		FailedRuns:     s.failed,
		SuccessRate:    backup.SuccessRate(s.succeeded, s.totalRuns),
	}
	for _, j := range s.jobs {
		if !j.schedule.Enabled {
			continue
		}
		st.EnabledJobs++
		if j.nextRun.IsZero() {
			continue
		}
		if st.NextExecution == nil || j.nextRun.Before(*st.NextExecution) {
			t := j.nextRun
			st.NextExecution = &t
		}
	}
	return st
}

// Start runs the trigger loop until Shutdown or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.executor == nil:
		return ErrNotInitialized
	case s.stopped:
		return backup.Errorf(backup.KindShutdown, "scheduler.start", "scheduler is shut down")
	case s.started:
		return nil
	}
	s.started = true
	go s.loop(ctx)
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)), zap.Int("max_parallel", s.maxParallel))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	stop := valve.Lever(s.valv.Context()).Stop()
	for {
		s.mu.Lock()
		interval := s.tick
		s.mu.Unlock()

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			s.runDue()
		}
	}
}

type candidate struct {
	j       *job
	due     time.Time
	trigger backup.Trigger
}

// runDue admits due jobs in due-time order while slots are free. Jobs that
// find no free slot stay due for the next tick. It returns the number of
// runs started.
func (s *Scheduler) runDue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executor == nil || s.stopped {
		return 0
	}

	now := s.clock.Now()
	var due []candidate
	for _, j := range s.jobs {
		at, trigger := j.dueAt(now)
		if at.IsZero() {
			continue
		}
		due = append(due, candidate{j: j, due: at, trigger: trigger})
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].due.Equal(due[k].due) {
			return due[i].j.id < due[k].j.id
		}
		return due[i].due.Before(due[k].due)
	})

	started := 0
	for _, c := range due {
		if s.running >= s.maxParallel {
			c.j.state = StateDue
			continue
		}
		if err := valve.Lever(s.valv.Context()).Open(); err != nil {
			return started
		}
		run := s.admitLocked(c.j, c.trigger)
		s.runs.Add(1)
		go func(j *job, run Run) {
			defer s.runs.Done()
			defer valve.Lever(s.valv.Context()).Close()
			rec, err := s.executor.Execute(s.baseCtx, run)
			s.complete(j.id, run, rec, err)
		}(c.j, run)
		started++
	}
	return started
}

// admitLocked takes a slot and moves j to Running.
func (s *Scheduler) admitLocked(j *job, trigger backup.Trigger) Run {
	s.running++
	j.state = StateRunning
	attempt := 1
	switch trigger {
	case backup.TriggerRetry:
		attempt = j.retries + 1
		j.retryAt = time.Time{}
	case backup.TriggerScheduled:
		j.retries = 0
		j.retryAt = time.Time{}
	}
	s.logger.Info("Starting job", zap.String("job_id", j.id), zap.String("trigger", string(trigger)), zap.Int("attempt", attempt))
	return Run{
		JobID:         j.id,
		StorageConfig: j.sc,
		Trigger:       trigger,
		Attempt:       attempt,
		Timeout:       j.schedule.Timeout(),
	}
}

// complete releases the slot of a finished run and moves its job back to
// Idle, scheduling a retry when the failure allows one.
func (s *Scheduler) complete(jobID string, run Run, rec *backup.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	s.signalLocked()

	now := s.clock.Now()
	j, ok := s.jobs[jobID]
	if ok {
		j.state = StateIdle
	}
	logger := s.logger.With(zap.String("job_id", jobID), zap.Int("attempt", run.Attempt))

	if rec == nil {
		// The run never started; the job stays due for the next tick.
		if err != nil && backup.KindOf(err) != backup.KindConflict {
			logger.Warn("Job was not run", zap.Error(err))
		}
		if ok && run.Trigger == backup.TriggerRetry {
			j.retryAt = now
		}
		return
	}

	s.totalRuns++
	if rec.Success {
		s.succeeded++
	} else {
		s.failed++
	}
	if !ok {
		return
	}

	j.totalRuns++
	j.lastRun = rec.CompletedAt
	if j.lastRun.IsZero() {
		j.lastRun = now
	}
	switch {
	case rec.Success:
		j.succeeded++
		j.lastResult = ResultSucceeded
		j.retries = 0
		j.retryAt = time.Time{}
	default:
		j.failed++
		j.lastResult = ResultFailed
		if run.Trigger != backup.TriggerManual && j.retries < j.schedule.MaxRetries &&
			backup.Retriable(backup.NewError(rec.ErrorKind, "scheduler.run", errors.New(rec.Error))) {
			j.retries++
			j.retryAt = now.Add(s.retryDelay(j.retries))
			logger.Warn("Job failed, retry scheduled", zap.Time("retry_at", j.retryAt), zap.Int("retries", j.retries), zap.String("error", rec.Error))
		} else {
			logger.Error("Job failed", zap.String("error_kind", string(rec.ErrorKind)), zap.String("error", rec.Error))
		}
	}
	j.computeNext(now)
}

// retryDelay returns base·2^(retries-1), capped at the maximum delay.
func (s *Scheduler) retryDelay(retries int) time.Duration {
	b := &backoff.Backoff{Min: s.retryBase, Max: s.retryMax, Factor: 2}
	return b.ForAttempt(float64(retries - 1))
}

func (s *Scheduler) signalLocked() {
	close(s.slotFreed)
	s.slotFreed = make(chan struct{})
}

// Trigger runs a job now, waiting for a free slot. It returns the record of
// the run, or a ConflictError when the job is already running.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (*backup.Record, error) {
	var run Run
	for {
		s.mu.Lock()
		if s.executor == nil {
			s.mu.Unlock()
			return nil, ErrNotInitialized
		}
		if s.stopped {
			s.mu.Unlock()
			return nil, backup.Errorf(backup.KindShutdown, "scheduler.trigger", "scheduler is shutting down")
		}
		j, ok := s.jobs[jobID]
		if !ok {
			s.mu.Unlock()
			return nil, ErrUnknownJob
		}
		if j.state == StateRunning {
			s.mu.Unlock()
			return nil, backup.Errorf(backup.KindConflict, "scheduler.trigger", "job %s is already running", jobID)
		}
		if s.running < s.maxParallel {
			if err := valve.Lever(s.valv.Context()).Open(); err != nil {
				s.mu.Unlock()
				return nil, backup.NewError(backup.KindShutdown, "scheduler.trigger", err)
			}
			run = s.admitLocked(j, backup.TriggerManual)
			s.runs.Add(1)
			s.mu.Unlock()
			break
		}
		freed := s.slotFreed
		s.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return nil, backup.FromContext(ctx, "scheduler.trigger")
		}
	}

	defer s.runs.Done()
	defer valve.Lever(s.valv.Context()).Close()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.baseCtx, func() { cancel(context.Cause(s.baseCtx)) })
	defer stop()

	rec, err := s.executor.Execute(runCtx, run)
	s.complete(jobID, run, rec, err)
	return rec, err
}

// Shutdown stops admitting runs and waits for the running ones for the
// grace period, or until ctx is done. Runs still going are then cancelled
// with backup.ErrShutdown and awaited.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	grace := s.grace
	s.mu.Unlock()

	s.logger.Info("Shutting down scheduler", zap.Duration("grace_period", grace))
	drained := make(chan error, 1)
	go func() {
		drained <- s.valv.Shutdown(grace)
	}()

	var err error
	select {
	case err = <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Warn("Grace period elapsed, cancelling running jobs", zap.Error(err))
		s.cancel(backup.ErrShutdown)
	}
	s.runs.Wait()
	s.cancel(backup.ErrShutdown)
	if started {
		<-s.loopDone
	}
	if err != nil {
		return backup.NewError(backup.KindShutdown, "scheduler.shutdown", err)
	}
	return nil
}
