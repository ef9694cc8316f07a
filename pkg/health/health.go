// Package health folds the manager and scheduler statistics into one
// verdict.
package health

import (
	"fmt"
	"time"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
)

// MinSuccessRate is the lowest success rate, in percent, of a healthy engine.
const MinSuccessRate = 80

// Source exposes the state a health check reads.
type Source interface {
	Config() *config.Config
	ManagerStatistics() backup.Statistics
	SchedulerStatistics() scheduler.Statistics
}

// Details is the state the verdict was derived from.
type Details struct {
	Enabled      bool                 `json:"enabled"`
	Destinations int                  `json:"destinations"`
	Manager      backup.Statistics    `json:"manager"`
	Scheduler    scheduler.Statistics `json:"scheduler"`
	Reasons      []string             `json:"reasons,omitempty"`
}

// ErrorDetail describes a failure while gathering the details.
type ErrorDetail struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the outcome of a health check.
type Report struct {
	Healthy   bool         `json:"healthy"`
	Timestamp time.Time    `json:"timestamp"`
	Details   *Details     `json:"details,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// Check evaluates src. It never panics: a failure while reading src yields
// an unhealthy report carrying the error.
func Check(src Source) (report Report) {
	report.Timestamp = time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			report = Report{
				Timestamp: report.Timestamp,
				Error:     &ErrorDetail{Message: fmt.Sprint(r), Timestamp: report.Timestamp},
			}
		}
	}()

	if src == nil {
		report.Error = &ErrorDetail{Message: "no health source", Timestamp: report.Timestamp}
		return report
	}
	cfg := src.Config()
	if cfg == nil {
		report.Error = &ErrorDetail{Message: "no configuration loaded", Timestamp: report.Timestamp}
		return report
	}

	d := &Details{
		Enabled:      cfg.Enabled,
		Destinations: len(cfg.Destinations),
		Manager:      src.ManagerStatistics(),
		Scheduler:    src.SchedulerStatistics(),
	}
	if !d.Enabled {
		d.Reasons = append(d.Reasons, "backups are disabled")
	}
	if d.Manager.SuccessRate < MinSuccessRate {
		d.Reasons = append(d.Reasons, fmt.Sprintf("success rate %.1f%% is below %d%%", d.Manager.SuccessRate, MinSuccessRate))
	}
	if d.Scheduler.EnabledJobs == 0 {
		d.Reasons = append(d.Reasons, "no enabled jobs")
	}
	if d.Destinations == 0 {
		d.Reasons = append(d.Reasons, "no destinations configured")
	}
	report.Details = d
	report.Healthy = len(d.Reasons) == 0
	return report
}
