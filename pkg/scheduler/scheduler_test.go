package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
)

var start = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func testConfig(parallel int, types ...string) *config.Config {
	cfg := config.Default()
	cfg.Global.MaxParallelJobs = parallel
	cfg.Global.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.DefaultSchedule = config.Schedule{Cron: "* * * * *", Timezone: "UTC", Enabled: true, MaxRetries: 3}
	cfg.StorageConfigs = nil
	for _, t := range types {
		cfg.StorageConfigs = append(cfg.StorageConfigs, config.StorageConfig{
			Type: t, Enabled: true, BackupType: backup.TypeFull, Compression: backup.CompressionNone,
		})
	}
	return cfg
}

// recorder is an executor that remembers every run it was handed.
type recorder struct {
	clk     *testclock.Clock
	release chan struct{}
	outcome func(run Run) (bool, backup.Kind)

	mu   sync.Mutex
	runs []Run
	ctxs []context.Context
}

func newRecorder(clk *testclock.Clock) *recorder {
	r := &recorder{clk: clk, release: make(chan struct{})}
	close(r.release)
	return r
}

func (r *recorder) Execute(ctx context.Context, run Run) (*backup.Record, error) {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.ctxs = append(r.ctxs, ctx)
	r.mu.Unlock()

	select {
	case <-r.release:
	case <-ctx.Done():
		err := backup.FromContext(ctx, "test.execute")
		return &backup.Record{ID: run.JobID, JobID: run.JobID, ErrorKind: backup.KindOf(err), Error: err.Error()}, err
	}

	rec := &backup.Record{ID: run.JobID, JobID: run.JobID, Trigger: run.Trigger, Attempt: run.Attempt, Success: true, CompletedAt: r.clk.Now()}
	if r.outcome != nil {
		ok, kind := r.outcome(run)
		if !ok {
			rec.Success = false
			rec.ErrorKind = kind
			rec.Error = "boom"
			return rec, backup.Errorf(kind, "test.execute", "boom")
		}
	}
	return rec, nil
}

func (r *recorder) calls() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Run(nil), r.runs...)
}

func newScheduler(t *testing.T, clk *testclock.Clock, cfg *config.Config, ex Executor) *Scheduler {
	t.Helper()
	s, err := New(WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ex))
	require.NoError(t, s.ScheduleFromConfig(cfg))
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return s.GetStatistics().RunningJobs == 0 }, time.Second, time.Millisecond)
}

func TestScheduleFromConfig(t *testing.T) {
	clk := testclock.NewClock(start)
	s, err := New(WithClock(clk))
	require.NoError(t, err)

	cfg := testConfig(2, "postgres", "filesystem")
	off := false
	nightly := "0 2 * * *"
	cfg.StorageConfigs = append(cfg.StorageConfigs,
		config.StorageConfig{Type: "redis", Enabled: false},
		config.StorageConfig{Type: "mysql", Enabled: true, Schedule: &config.ScheduleOverride{Cron: nightly}},
		config.StorageConfig{Type: "mongo", Enabled: true, Schedule: &config.ScheduleOverride{Enabled: &off}},
	)
	require.NoError(t, s.ScheduleFromConfig(cfg))

	jobs := s.Jobs()
	require.Len(t, jobs, 4)
	assert.Equal(t, []string{"filesystem", "mongo", "mysql", "postgres"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID, jobs[3].ID})

	next := s.GetNextExecutions()
	assert.Len(t, next, 3, "disabled jobs have no next execution")
	assert.Equal(t, start.Add(time.Minute), next["postgres"])
	assert.Equal(t, time.Date(2024, 6, 16, 2, 0, 0, 0, time.UTC), next["mysql"])

	stats := s.GetStatistics()
	assert.Equal(t, 4, stats.TotalJobs)
	assert.Equal(t, 3, stats.EnabledJobs)
	require.NotNil(t, stats.NextExecution)
	assert.Equal(t, start.Add(time.Minute), *stats.NextExecution)
}

func TestScheduleFromConfigDefaultJob(t *testing.T) {
	clk := testclock.NewClock(start)
	s, err := New(WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.ScheduleFromConfig(testConfig(1)))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, config.DefaultJobID, jobs[0].ID)
	assert.Equal(t, backup.TypeFull, jobs[0].BackupType)
	assert.Equal(t, StateIdle, jobs[0].State)
}

func TestScheduleFromConfigIsAtomic(t *testing.T) {
	clk := testclock.NewClock(start)
	s, err := New(WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.ScheduleFromConfig(testConfig(1, "postgres")))

	tests := []struct {
		name string
		cfg  func() *config.Config
	}{
		{
			name: "invalid cron",
			cfg: func() *config.Config {
				cfg := testConfig(1, "filesystem", "redis")
				cfg.StorageConfigs[1].Schedule = &config.ScheduleOverride{Cron: "not a cron"}
				return cfg
			},
		},
		{
			name: "unknown timezone",
			cfg: func() *config.Config {
				cfg := testConfig(1, "filesystem")
				cfg.DefaultSchedule.Timezone = "Mars/Olympus"
				return cfg
			},
		},
		{
			name: "duplicate storage type",
			cfg: func() *config.Config {
				return testConfig(1, "filesystem", "filesystem")
			},
		},
		{
			name: "no parallelism",
			cfg: func() *config.Config {
				return testConfig(0, "filesystem")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ScheduleFromConfig(tt.cfg())
			assert.True(t, errors.Is(err, backup.ErrConfig), "got %v", err)
			jobs := s.Jobs()
			require.Len(t, jobs, 1)
			assert.Equal(t, "postgres", jobs[0].ID)
		})
	}
}

func TestSetEnabledAndUnschedule(t *testing.T) {
	clk := testclock.NewClock(start)
	s := newScheduler(t, clk, testConfig(1, "postgres", "redis"), newRecorder(clk))

	require.NoError(t, s.SetEnabled("redis", false))
	_, ok := s.GetNextExecutions()["redis"]
	assert.False(t, ok)
	assert.Equal(t, 1, s.GetStatistics().EnabledJobs)

	require.NoError(t, s.SetEnabled("redis", true))
	assert.Equal(t, start.Add(time.Minute), s.GetNextExecutions()["redis"])

	require.NoError(t, s.Unschedule("redis"))
	assert.Equal(t, ErrUnknownJob, s.Unschedule("redis"))
	assert.Equal(t, ErrUnknownJob, s.SetEnabled("redis", true))
	_, err := s.Job("redis")
	assert.Equal(t, ErrUnknownJob, err)
	assert.Equal(t, 1, s.GetStatistics().TotalJobs)
}

func TestRunDueRespectsParallelLimit(t *testing.T) {
	clk := testclock.NewClock(start)
	rec := newRecorder(clk)
	rec.release = make(chan struct{})
	s := newScheduler(t, clk, testConfig(2, "a", "b", "c"), rec)

	assert.Equal(t, 0, s.runDue(), "nothing is due yet")

	clk.Advance(time.Minute)
	assert.Equal(t, 2, s.runDue())

	states := map[string]State{}
	for _, j := range s.Jobs() {
		states[j.ID] = j.State
	}
	assert.Equal(t, map[string]State{"a": StateRunning, "b": StateRunning, "c": StateDue}, states)
	assert.Equal(t, 0, s.runDue(), "no free slot")

	close(rec.release)
	waitIdle(t, s)
	assert.Equal(t, 1, s.runDue(), "the job left due runs on the next tick")
	waitIdle(t, s)

	calls := rec.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "c", calls[2].JobID)
	for _, c := range calls {
		assert.Equal(t, backup.TriggerScheduled, c.Trigger)
		assert.Equal(t, 1, c.Attempt)
	}
	stats := s.GetStatistics()
	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, float64(100), stats.SuccessRate)
}

func TestRetryWithExponentialBackoff(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 6, 15, 1, 59, 30, 0, time.UTC))
	rec := newRecorder(clk)
	rec.outcome = func(run Run) (bool, backup.Kind) {
		return run.Attempt >= 3, backup.KindBackup
	}
	cfg := testConfig(1, "postgres")
	cfg.DefaultSchedule.Cron = "0 2 * * *"
	s := newScheduler(t, clk, cfg, rec)

	clk.Advance(30 * time.Second)
	require.Equal(t, 1, s.runDue())
	waitIdle(t, s)

	j, err := s.Job("postgres")
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, j.LastResult)
	assert.Equal(t, 1, j.Retries)
	require.NotNil(t, j.RetryAt)
	assert.Equal(t, clk.Now().Add(30*time.Second), *j.RetryAt)

	clk.Advance(29 * time.Second)
	assert.Equal(t, 0, s.runDue(), "retry is not due yet")
	clk.Advance(time.Second)
	require.Equal(t, 1, s.runDue())
	waitIdle(t, s)

	j, err = s.Job("postgres")
	require.NoError(t, err)
	assert.Equal(t, 2, j.Retries)
	require.NotNil(t, j.RetryAt)
	assert.Equal(t, clk.Now().Add(time.Minute), *j.RetryAt, "delay doubles")

	clk.Advance(time.Minute)
	require.Equal(t, 1, s.runDue())
	waitIdle(t, s)

	j, err = s.Job("postgres")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, j.LastResult)
	assert.Equal(t, 0, j.Retries)
	assert.Nil(t, j.RetryAt)
	assert.Equal(t, 3, j.TotalRuns)
	assert.Equal(t, 2, j.FailedRuns)
	assert.Equal(t, time.Date(2024, 6, 16, 2, 0, 0, 0, time.UTC), *j.NextRun)

	calls := rec.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []backup.Trigger{backup.TriggerScheduled, backup.TriggerRetry, backup.TriggerRetry},
		[]backup.Trigger{calls[0].Trigger, calls[1].Trigger, calls[2].Trigger})
	assert.Equal(t, []int{1, 2, 3}, []int{calls[0].Attempt, calls[1].Attempt, calls[2].Attempt})
}

func TestRetriesAreBounded(t *testing.T) {
	tests := []struct {
		name       string
		kind       backup.Kind
		maxRetries int
		wantRuns   int
	}{
		{name: "retriable kind exhausts retries", kind: backup.KindTimeout, maxRetries: 2, wantRuns: 3},
		{name: "config error is never retried", kind: backup.KindConfig, maxRetries: 2, wantRuns: 1},
		{name: "no retries configured", kind: backup.KindBackup, maxRetries: 0, wantRuns: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testclock.NewClock(start)
			rec := newRecorder(clk)
			rec.outcome = func(Run) (bool, backup.Kind) { return false, tt.kind }
			cfg := testConfig(1, "postgres")
			cfg.DefaultSchedule.Cron = "0 2 * * *"
			cfg.DefaultSchedule.MaxRetries = tt.maxRetries
			cfg.Global.RetryBaseDelay = time.Second
			cfg.Global.RetryMaxDelay = time.Second
			s := newScheduler(t, clk, cfg, rec)

			s.mu.Lock()
			s.jobs["postgres"].nextRun = clk.Now()
			s.mu.Unlock()

			for i := 0; i < 5; i++ {
				s.runDue()
				waitIdle(t, s)
				clk.Advance(time.Second)
			}
			assert.Len(t, rec.calls(), tt.wantRuns)
			j, err := s.Job("postgres")
			require.NoError(t, err)
			assert.Nil(t, j.RetryAt)
		})
	}
}

func TestTrigger(t *testing.T) {
	clk := testclock.NewClock(start)
	rec := newRecorder(clk)
	rec.release = make(chan struct{})
	s := newScheduler(t, clk, testConfig(1, "a", "b"), rec)
	ctx := context.Background()

	_, err := s.Trigger(ctx, "missing")
	assert.Equal(t, ErrUnknownJob, err)

	clk.Advance(time.Minute)
	require.Equal(t, 1, s.runDue())

	_, err = s.Trigger(ctx, "a")
	assert.True(t, errors.Is(err, backup.ErrConflict), "got %v", err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Trigger(short, "b")
	assert.True(t, errors.Is(err, backup.ErrTimeout), "waiting for a slot honours ctx, got %v", err)

	done := make(chan *backup.Record, 1)
	go func() {
		r, err := s.Trigger(ctx, "b")
		assert.NoError(t, err)
		done <- r
	}()
	select {
	case <-done:
		t.Fatal("manual run must wait for a free slot")
	case <-time.After(30 * time.Millisecond):
	}

	close(rec.release)
	select {
	case r := <-done:
		require.NotNil(t, r)
		assert.Equal(t, backup.TriggerManual, r.Trigger)
		assert.True(t, r.Success)
	case <-time.After(time.Second):
		t.Fatal("manual run did not finish")
	}
	waitIdle(t, s)
	assert.Equal(t, 2, s.GetStatistics().TotalRuns)
}

func TestTriggerDoesNotScheduleRetries(t *testing.T) {
	clk := testclock.NewClock(start)
	rec := newRecorder(clk)
	rec.outcome = func(Run) (bool, backup.Kind) { return false, backup.KindBackup }
	s := newScheduler(t, clk, testConfig(1, "a"), rec)

	r, err := s.Trigger(context.Background(), "a")
	assert.True(t, errors.Is(err, backup.ErrBackup))
	require.NotNil(t, r)
	assert.False(t, r.Success)

	j, err := s.Job("a")
	require.NoError(t, err)
	assert.Nil(t, j.RetryAt)
	assert.Equal(t, 1, j.FailedRuns)
	assert.Equal(t, ResultFailed, j.LastResult)
}

func TestParallelLimitUnderLoad(t *testing.T) {
	clk := testclock.NewClock(start)
	var current, peak int32
	ex := ExecutorFunc(func(ctx context.Context, run Run) (*backup.Record, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return &backup.Record{ID: run.JobID, JobID: run.JobID, Success: true}, nil
	})
	s := newScheduler(t, clk, testConfig(3, "a", "b", "c", "d", "e", "f", "g", "h"), ex)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for k := 0; k < 5; k++ {
				s.Trigger(context.Background(), id)
			}
		}(string(rune('a' + i)))
	}
	for i := 0; i < 20; i++ {
		clk.Advance(time.Minute)
		s.runDue()
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	waitIdle(t, s)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
	stats := s.GetStatistics()
	assert.NotZero(t, stats.TotalRuns)
	assert.Equal(t, stats.TotalRuns, stats.SuccessfulRuns)
}

func TestStartFiresOnTick(t *testing.T) {
	clk := testclock.NewClock(start)
	rec := newRecorder(clk)
	s, err := New(WithClock(clk))
	require.NoError(t, err)
	assert.Equal(t, ErrNotInitialized, s.Start(context.Background()))

	require.NoError(t, s.Initialize(rec))
	require.NoError(t, s.ScheduleFromConfig(testConfig(1, "postgres")))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "start is idempotent")

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, time.Millisecond)
	waitIdle(t, s)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestShutdownCancelsRunsAfterGrace(t *testing.T) {
	clk := testclock.NewClock(start)
	rec := newRecorder(clk)
	rec.release = make(chan struct{})
	s := newScheduler(t, clk, testConfig(2, "a"), rec)

	clk.Advance(time.Minute)
	require.Equal(t, 1, s.runDue())

	err := s.Shutdown(context.Background())
	assert.True(t, errors.Is(err, backup.ErrShutdown), "got %v", err)

	rec.mu.Lock()
	runCtx := rec.ctxs[0]
	rec.mu.Unlock()
	assert.True(t, errors.Is(context.Cause(runCtx), backup.ErrShutdown))

	j, err := s.Job("a")
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, j.LastResult)
	assert.Nil(t, j.RetryAt, "shutdown failures are not retried")
	assert.Equal(t, StateIdle, j.State)

	clk.Advance(time.Minute)
	assert.Equal(t, 0, s.runDue())
	_, err = s.Trigger(context.Background(), "a")
	assert.True(t, errors.Is(err, backup.ErrShutdown))
	assert.True(t, errors.Is(s.Start(context.Background()), backup.ErrShutdown))
}

func TestShutdownWaitsForRunsWithinGrace(t *testing.T) {
	clk := testclock.NewClock(start)
	rec := newRecorder(clk)
	rec.release = make(chan struct{})
	cfg := testConfig(1, "a")
	cfg.Global.ShutdownGracePeriod = 5 * time.Second
	s := newScheduler(t, clk, cfg, rec)

	clk.Advance(time.Minute)
	require.Equal(t, 1, s.runDue())
	time.AfterFunc(20*time.Millisecond, func() { close(rec.release) })

	require.NoError(t, s.Shutdown(context.Background()))
	j, err := s.Job("a")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, j.LastResult)
}
