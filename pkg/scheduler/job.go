package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
)

// State is the position of a job in its run cycle.
type State string

const (
	StateIdle    State = "idle"
	StateDue     State = "due"
	StateRunning State = "running"
)

// Outcomes of the last run of a job.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// Run is what the executor is asked to perform.
type Run struct {
	JobID         string
	StorageConfig config.StorageConfig
	Trigger       backup.Trigger
	Attempt       int
	Timeout       time.Duration
}

type job struct {
	id       string
	sc       config.StorageConfig
	schedule config.Schedule
	cron     cron.Schedule

	state      State
	lastRun    time.Time
	nextRun    time.Time
	retryAt    time.Time
	retries    int
	lastResult string

	totalRuns int
	succeeded int
	failed    int
}

func newJob(id string, sc config.StorageConfig, s config.Schedule) (*job, error) {
	sched, err := config.ParseSchedule(s.Cron, s.Timezone)
	if err != nil {
		return nil, err
	}
	return &job{id: id, sc: sc, schedule: s, cron: sched, state: StateIdle}, nil
}

// computeNext sets nextRun to the first fire time after now, or clears it
// for a disabled job.
func (j *job) computeNext(now time.Time) {
	if !j.schedule.Enabled {
		j.nextRun = time.Time{}
		return
	}
	j.nextRun = j.cron.Next(now)
}

// dueAt returns when the job became due and the trigger of that run. The
// zero time means the job is not due at now.
func (j *job) dueAt(now time.Time) (time.Time, backup.Trigger) {
	if !j.schedule.Enabled || j.state == StateRunning {
		return time.Time{}, ""
	}
	if !j.retryAt.IsZero() && !now.Before(j.retryAt) && (j.nextRun.IsZero() || j.retryAt.Before(j.nextRun)) {
		return j.retryAt, backup.TriggerRetry
	}
	if !j.nextRun.IsZero() && !now.Before(j.nextRun) {
		return j.nextRun, backup.TriggerScheduled
	}
	return time.Time{}, ""
}

// JobStatus is a read-only snapshot of a scheduled job.
type JobStatus struct {
	ID             string        `json:"id"`
	StorageType    string        `json:"storage_type"`
	BackupType     backup.Type   `json:"backup_type"`
	Cron           string        `json:"cron"`
	Timezone       string        `json:"timezone"`
	Enabled        bool          `json:"enabled"`
	State          State         `json:"state"`
	Timeout        time.Duration `json:"timeout"`
	MaxRetries     int           `json:"max_retries"`
	Retries        int           `json:"retries"`
	LastRun        *time.Time    `json:"last_run,omitempty"`
	NextRun        *time.Time    `json:"next_run,omitempty"`
	RetryAt        *time.Time    `json:"retry_at,omitempty"`
	LastResult     string        `json:"last_result,omitempty"`
	TotalRuns      int           `json:"total_runs"`
	SuccessfulRuns int           `json:"successful_runs"`
	FailedRuns     int           `json:"failed_runs"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (j *job) status(now time.Time) JobStatus {
	state := j.state
	if state == StateIdle {
		if due, _ := j.dueAt(now); !due.IsZero() {
			state = StateDue
		}
	}
	return JobStatus{
		ID:             j.id,
		StorageType:    j.sc.Type,
		BackupType:     j.sc.BackupType,
		Cron:           j.schedule.Cron,
		Timezone:       j.schedule.Timezone,
		Enabled:        j.schedule.Enabled,
		State:          state,
		Timeout:        j.schedule.Timeout(),
		MaxRetries:     j.schedule.MaxRetries,
		Retries:        j.retries,
		LastRun:        timePtr(j.lastRun),
		NextRun:        timePtr(j.nextRun),
		RetryAt:        timePtr(j.retryAt),
		LastResult:     j.lastResult,
		TotalRuns:      j.totalRuns,
		SuccessfulRuns: j.succeeded,
		FailedRuns:     j.failed,
	}
}

// jobsFromConfig derives one job per enabled storage config, or the default
// job when none is enabled.
func jobsFromConfig(cfg *config.Config) ([]*job, error) {
	enabled := cfg.EnabledStorageConfigs()
	if len(enabled) == 0 {
		sc := config.StorageConfig{
			Type:        config.DefaultJobID,
			Enabled:     true,
			BackupType:  backup.TypeFull,
			Compression: backup.CompressionNone,
		}
		j, err := newJob(config.DefaultJobID, sc, cfg.DefaultSchedule)
		if err != nil {
			return nil, backup.NewError(backup.KindConfig, "scheduler.schedule", err)
		}
		return []*job{j}, nil
	}

	seen := make(map[string]bool, len(enabled))
	jobs := make([]*job, 0, len(enabled))
	for _, sc := range enabled {
		if seen[sc.Type] {
			return nil, backup.Errorf(backup.KindConfig, "scheduler.schedule", "storage type %s is configured twice", sc.Type)
		}
		seen[sc.Type] = true
		j, err := newJob(sc.Type, sc, cfg.ScheduleFor(sc))
		if err != nil {
			return nil, backup.NewError(backup.KindConfig, "scheduler.schedule", fmt.Errorf("%s: %w", sc.Type, err))
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
