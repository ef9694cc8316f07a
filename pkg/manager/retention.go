package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/notify"
	"github.com/bizflycloud/backup-orchestrator/pkg/retention"
)

// RetentionReport is the outcome of one retention pass.
type RetentionReport struct {
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Applied     bool           `json:"applied"`
	Plan        retention.Plan `json:"plan"`
	// Deleted lists the records removed from the catalog, oldest first.
	Deleted []string `json:"deleted"`
	// Failed maps the records that could not be removed to the reason.
	Failed map[string]string `json:"failed,omitempty"`
}

// PreviewRetention evaluates the retention policy without deleting anything.
func (m *Manager) PreviewRetention() *RetentionReport {
	now := m.clock.Now().UTC()
	plan := retention.Evaluate(m.catalog.All(), m.Config().RetentionPolicy, now)
	return &RetentionReport{EvaluatedAt: now, Plan: plan, Deleted: []string{}}
}

// ApplyRetention evaluates the retention policy and, when autoCleanup is on,
// deletes the selected artifacts from every destination they were written to
// before removing their records. A record whose artifacts cannot all be
// deleted stays in the catalog.
func (m *Manager) ApplyRetention(ctx context.Context) (*RetentionReport, error) {
	m.retentionMu.Lock()
	defer m.retentionMu.Unlock()

	cfg := m.Config()
	report := m.PreviewRetention()
	if !cfg.RetentionPolicy.AutoCleanup || len(report.Plan.Delete) == 0 {
		return report, nil
	}
	report.Applied = true

	var (
		mu      sync.Mutex
		deleted = map[string]bool{}
		failed  = map[string]string{}
	)
	sem := semaphore.NewWeighted(m.deleteConcurrency)
	group, gctx := errgroup.WithContext(ctx)
	for _, d := range report.Plan.Delete {
		rec, ok := m.catalog.Get(d.RecordID)
		if !ok {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			err := m.deleteArtifacts(gctx, cfg, &rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[rec.ID] = err.Error()
				return nil
			}
			deleted[rec.ID] = true
			return nil
		})
	}
	group.Wait()
	if err := backup.FromContext(ctx, "manager.retention"); err != nil {
		return report, err
	}

	for _, d := range report.Plan.Delete {
		if deleted[d.RecordID] {
			report.Deleted = append(report.Deleted, d.RecordID)
		}
	}
	if len(failed) > 0 {
		report.Failed = failed
	}
	n, err := m.catalog.Remove(report.Deleted...)
	if err != nil {
		return report, backup.NewError(backup.KindBackup, "manager.retention", err)
	}
	m.metrics.ObservePruned(n)
	m.logger.Info("Applied retention policy", zap.Int("deleted", n), zap.Int("failed", len(failed)))
	if n > 0 {
		m.notifier.Notify(ctx, notify.Event{Type: notify.RetentionApplied, Success: len(failed) == 0, Deleted: report.Deleted, CreatedAt: report.EvaluatedAt})
	}
	return report, nil
}

// deleteArtifacts removes the artifact of rec from every destination it was
// successfully written to.
func (m *Manager) deleteArtifacts(ctx context.Context, cfg *config.Config, rec *backup.Record) error {
	for _, dr := range rec.Destinations {
		if !dr.Success || dr.ArtifactID == "" {
			continue
		}
		dest := lookupDestination(cfg, dr)
		sink, err := m.sinks.Get(dest.Type)
		if err != nil {
			return err
		}
		if err := sink.Delete(ctx, dr.ArtifactID, dest); err != nil {
			m.logger.Warn("Failed to delete artifact", zap.String("record_id", rec.ID), zap.String("destination", dest.String()), zap.Error(err))
			return err
		}
	}
	return nil
}

// lookupDestination returns the configured destination a record was written
// to, falling back to its type and path when it is no longer configured.
func lookupDestination(cfg *config.Config, dr backup.DestinationResult) config.Destination {
	for _, d := range cfg.Destinations {
		if d.Type == dr.Type && d.Path == dr.Path {
			return d
		}
	}
	return config.Destination{Type: dr.Type, Path: dr.Path, Encryption: dr.Encrypted}
}
