// Package metrics exposes the orchestration counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backup"

// Metrics groups the collectors updated by the manager and the scheduler.
// A nil *Metrics discards every observation.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	BytesWritten    *prometheus.CounterVec
	DestinationErrs *prometheus.CounterVec
	VerifyFailures  *prometheus.CounterVec
	RetentionPruned prometheus.Counter
	RunningJobs     prometheus.Gauge
	ScheduledJobs   prometheus.Gauge
	LastSuccess     *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed backup runs by storage type, trigger and outcome.",
		}, []string{"storage_type", "trigger", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of backup runs in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"storage_type"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written to destinations.",
		}, []string{"destination"}),
		DestinationErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destination_errors_total",
			Help:      "Failed destination writes.",
		}, []string{"destination"}),
		VerifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_failures_total",
			Help:      "Failed verification checks by type.",
		}, []string{"type"}),
		RetentionPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_total",
			Help:      "Records deleted by the retention policy.",
		}),
		RunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Backup runs currently executing.",
		}),
		ScheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Jobs known to the scheduler.",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run by storage type.",
		}, []string{"storage_type"}),
	}
	for _, c := range []prometheus.Collector{
		m.RunsTotal, m.RunDuration, m.BytesWritten, m.DestinationErrs, m.VerifyFailures,
		m.RetentionPruned, m.RunningJobs, m.ScheduledJobs, m.LastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(storageType, trigger string, success bool, d time.Duration, completed time.Time) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(storageType, trigger, outcome(success)).Inc()
	m.RunDuration.WithLabelValues(storageType).Observe(d.Seconds())
	if success {
		m.LastSuccess.WithLabelValues(storageType).Set(float64(completed.Unix()))
	}
}

// ObserveWrite records one destination write.
func (m *Metrics) ObserveWrite(dest string, bytes int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DestinationErrs.WithLabelValues(dest).Inc()
		return
	}
	m.BytesWritten.WithLabelValues(dest).Add(float64(bytes))
}

// ObserveVerifyFailure records a failed verification check.
func (m *Metrics) ObserveVerifyFailure(checkType string) {
	if m == nil {
		return
	}
	m.VerifyFailures.WithLabelValues(checkType).Inc()
}

// ObservePruned records records removed by retention.
func (m *Metrics) ObservePruned(n int) {
	if m == nil {
		return
	}
	m.RetentionPruned.Add(float64(n))
}

// SetRunning sets the number of executing runs.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.RunningJobs.Set(float64(n))
}

// SetScheduled sets the number of scheduled jobs.
func (m *Metrics) SetScheduled(n int) {
	if m == nil {
		return
	}
	m.ScheduledJobs.Set(float64(n))
}
