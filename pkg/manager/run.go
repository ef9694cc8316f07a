package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/catalog"
	"github.com/bizflycloud/backup-orchestrator/pkg/codec"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler"
	"github.com/bizflycloud/backup-orchestrator/pkg/notify"
	"github.com/bizflycloud/backup-orchestrator/pkg/progress"
)

// RunOptions describes why and how a run was started.
type RunOptions struct {
	JobID   string
	Trigger backup.Trigger
	Attempt int
	// Timeout overrides the schedule timeout of the storage config.
	Timeout  time.Duration
	Progress *progress.Progress
}

// encoded is one form of the artifact handed to destinations.
type encoded struct {
	path      string
	id        string
	encrypted bool
	summary   codec.Summary
}

type run struct {
	rec      *backup.Record
	sc       config.StorageConfig
	cfg      *config.Config
	handler  handler.Handler
	artifact *backup.Artifact
	dir      string
	plain    *encoded
	sealed   *encoded
	progress *progress.Progress
	logger   *zap.Logger
}

func (r *run) encodedFor(d config.Destination) *encoded {
	if d.Encryption {
		return r.sealed
	}
	return r.plain
}

// RunBackup executes one backup of sc and appends its record to the catalog.
// Handler and destination failures are reported through the returned record;
// the error is non-nil only when the run could not start because another run
// of the same storage type is in progress or the manager is shutting down.
func (m *Manager) RunBackup(ctx context.Context, sc config.StorageConfig, opts RunOptions) (*backup.Record, error) {
	if err := m.acquire(sc.Type); err != nil {
		return nil, err
	}
	defer m.release(sc.Type)

	cfg := m.Config()
	if opts.JobID == "" {
		opts.JobID = sc.Type
	}
	if opts.Trigger == "" {
		opts.Trigger = backup.TriggerManual
	}
	if opts.Attempt < 1 {
		opts.Attempt = 1
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = cfg.ScheduleFor(sc).Timeout()
	}
	backupType := sc.BackupType
	if backupType == "" {
		backupType = backup.TypeFull
	}
	compression := sc.Compression
	if compression == "" {
		compression = backup.CompressionNone
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(m.baseCtx, func() {
		cancel(context.Cause(m.baseCtx))
	})
	defer stop()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	rec := &backup.Record{
		ID:          uuid.New().String(),
		JobID:       opts.JobID,
		StorageType: sc.Type,
		BackupType:  backupType,
		Compression: compression,
		Trigger:     opts.Trigger,
		Attempt:     opts.Attempt,
		StartedAt:   m.clock.Now().UTC(),
	}
	logger := m.logger.With(
		zap.String("job_id", rec.JobID),
		zap.String("storage_type", rec.StorageType),
		zap.String("record_id", rec.ID),
		zap.Int("attempt", rec.Attempt),
	)
	logger.Info("Starting backup", zap.String("backup_type", string(backupType)), zap.String("trigger", string(rec.Trigger)))

	r := &run{
		rec:      rec,
		sc:       sc,
		cfg:      cfg,
		dir:      filepath.Join(cfg.Global.StagingDir, rec.ID),
		progress: opts.Progress,
		logger:   logger,
	}
	r.progress.Start()

	hooksRan, err := m.execute(runCtx, r)
	if err != nil {
		if ctxErr := backup.FromContext(runCtx, "manager.run"); ctxErr != nil && backup.KindOf(err) != backup.KindVerification {
			err = ctxErr
		}
		rec.Success = false
		rec.Error = err.Error()
		rec.ErrorKind = backup.KindOf(err)
		if rec.ErrorKind == "" {
			rec.ErrorKind = backup.KindBackup
		}
	} else {
		rec.Success = true
	}
	if hooksRan {
		m.runPostHooks(ctx, r)
	}
	os.RemoveAll(r.dir)
	rec.CompletedAt = m.clock.Now().UTC()
	r.progress.Done()

	m.finish(ctx, r)
	return rec, nil
}

// execute performs the steps of a run, filling r.rec. It reports whether the
// pre-backup hooks all succeeded.
func (m *Manager) execute(ctx context.Context, r *run) (bool, error) {
	for _, hook := range r.sc.PreBackupHooks {
		if err := m.hooks.Run(ctx, hook, hookEnv(r.rec, "")); err != nil {
			if ctxErr := backup.FromContext(ctx, "manager.prehook"); ctxErr != nil {
				return false, ctxErr
			}
			return false, backup.NewError(backup.KindHook, "manager.prehook", err)
		}
	}
	r.progress.Report(progress.Stat{Steps: 1})

	h, err := m.handlers.Get(r.sc.Type)
	if err != nil {
		return true, backup.NewError(backup.KindBackup, "manager.handler", err)
	}
	r.handler = h

	if err := os.MkdirAll(r.dir, 0700); err != nil {
		return true, backup.NewError(backup.KindBackup, "manager.staging", err)
	}
	req := handler.Request{
		ID:          r.rec.ID,
		JobID:       r.rec.JobID,
		StorageType: r.rec.StorageType,
		BackupType:  r.rec.BackupType,
		StagingDir:  r.dir,
		Since:       m.since(r.rec),
		Options:     r.sc.Options,
	}
	artifact, err := h.Backup(ctx, req)
	if err != nil {
		if ctxErr := backup.FromContext(ctx, "manager.backup"); ctxErr != nil {
			return true, ctxErr
		}
		if backup.KindOf(err) == "" {
			err = backup.NewError(backup.KindBackup, "manager.backup", err)
		}
		return true, err
	}
	r.artifact = artifact
	r.logger.Debug("Handler produced artifact", zap.String("path", artifact.Path), zap.String("size", humanize.IBytes(uint64(artifact.Size))))
	r.progress.Report(progress.Stat{Steps: 1})

	if r.cfg.Global.EnableVerification && wants(r.cfg.Global.VerificationTypes, backup.VerifyIntegrity) {
		chunks, err := chunkDigestsFile(ctx, artifact.Path)
		if err != nil {
			return true, backup.NewError(backup.KindBackup, "manager.chunks", err)
		}
		r.rec.Chunks = chunks
	}

	if err := m.encode(ctx, r); err != nil {
		return true, err
	}
	r.progress.Report(progress.Stat{Steps: 1})

	if err := m.write(ctx, r); err != nil {
		return true, err
	}
	r.progress.Report(progress.Stat{Steps: 1})

	if r.cfg.Global.EnableVerification {
		if err := m.verify(ctx, r); err != nil {
			return true, err
		}
		r.progress.Report(progress.Stat{Steps: 1})
	}
	return true, nil
}

// since returns the completion time of the reference backup of an
// incremental or differential run.
func (m *Manager) since(rec *backup.Record) time.Time {
	success := true
	f := catalog.Filter{StorageType: rec.StorageType, Success: &success, Limit: 1}
	switch rec.BackupType {
	case backup.TypeIncremental:
	case backup.TypeDifferential:
		f.BackupType = backup.TypeFull
	default:
		return time.Time{}
	}
	prev := m.catalog.List(f)
	if len(prev) == 0 {
		return time.Time{}
	}
	return prev[0].StartedAt
}

// encode compresses the artifact and, when a destination asks for it,
// encrypts the compressed form.
func (m *Manager) encode(ctx context.Context, r *run) error {
	id := r.rec.ID + filepath.Ext(r.artifact.Path) + codec.Extension(r.rec.Compression)
	plainPath := filepath.Join(r.dir, "out", id)
	sum, err := codec.CompressFile(ctx, r.artifact.Path, plainPath, r.rec.Compression)
	if err != nil {
		if ctxErr := backup.FromContext(ctx, "manager.compress"); ctxErr != nil {
			return ctxErr
		}
		return backup.NewError(backup.KindBackup, "manager.compress", err)
	}
	r.plain = &encoded{path: plainPath, id: id, summary: sum}

	if !r.cfg.RequiresEncryption() {
		return nil
	}
	if r.cfg.Global.EncryptionKey == "" {
		return backup.NewError(backup.KindBackup, "manager.encrypt", codec.ErrNoKey)
	}
	sealedID := id + ".enc"
	sealedPath := filepath.Join(r.dir, "out", sealedID)
	sum, err = codec.EncryptFile(ctx, plainPath, sealedPath, r.cfg.Global.EncryptionKey)
	if err != nil {
		if ctxErr := backup.FromContext(ctx, "manager.encrypt"); ctxErr != nil {
			return ctxErr
		}
		return backup.NewError(backup.KindBackup, "manager.encrypt", err)
	}
	r.sealed = &encoded{path: sealedPath, id: sealedID, encrypted: true, summary: sum}
	r.rec.Encrypted = true
	return nil
}

// write sends the encoded artifact to every destination in order. With a
// single destination its failure fails the run; with several, at least one
// must succeed and the failures become warnings.
func (m *Manager) write(ctx context.Context, r *run) error {
	var lastErr error
	succeeded := 0
	for _, d := range r.cfg.Destinations {
		if err := backup.FromContext(ctx, "manager.write"); err != nil {
			return err
		}
		enc := r.encodedFor(d)
		dr := backup.DestinationResult{Type: d.Type, Path: d.Path, ArtifactID: enc.id, Encrypted: enc.encrypted}

		err := m.writeOne(ctx, r, d, enc, &dr)
		m.metrics.ObserveWrite(d.String(), dr.Size, err)
		if err != nil {
			dr.Error = err.Error()
			lastErr = fmt.Errorf("destination %s: %w", d, err)
			r.logger.Warn("Destination write failed", zap.String("destination", d.String()), zap.Error(err))
			r.progress.Report(progress.Stat{Errors: 1})
		} else {
			dr.Success = true
			succeeded++
			if r.rec.Checksum == "" {
				r.rec.Size = enc.summary.Size
				r.rec.Checksum = enc.summary.Checksum
			}
			r.logger.Info("Wrote artifact", zap.String("destination", d.String()), zap.String("location", dr.Location),
				zap.String("size", humanize.IBytes(uint64(dr.Size))))
			r.progress.Report(progress.Stat{Destinations: 1, Bytes: uint64(dr.Size)})
		}
		r.rec.Destinations = append(r.rec.Destinations, dr)
	}

	switch {
	case succeeded == len(r.cfg.Destinations):
		return nil
	case succeeded == 0:
		if ctxErr := backup.FromContext(ctx, "manager.write"); ctxErr != nil {
			return ctxErr
		}
		if len(r.cfg.Destinations) == 1 {
			return backup.NewError(backup.KindBackup, "manager.write", lastErr)
		}
		return backup.Errorf(backup.KindBackup, "manager.write", "all %d destinations failed, last: %v", len(r.cfg.Destinations), lastErr)
	}
	for _, dr := range r.rec.Destinations {
		if !dr.Success {
			r.rec.Warnings = append(r.rec.Warnings, fmt.Sprintf("destination %s:%s: %s", dr.Type, dr.Path, dr.Error))
		}
	}
	return nil
}

func (m *Manager) writeOne(ctx context.Context, r *run, d config.Destination, enc *encoded, dr *backup.DestinationResult) error {
	sink, err := m.sinks.Get(d.Type)
	if err != nil {
		return err
	}
	art := &backup.Artifact{
		ID:          enc.id,
		StorageType: r.rec.StorageType,
		BackupType:  r.rec.BackupType,
		Path:        enc.path,
		Size:        enc.summary.Size,
		CreatedAt:   r.rec.StartedAt,
	}
	res, err := sink.Write(ctx, art, d)
	if err != nil {
		return err
	}
	dr.Location = res.Location
	dr.Size = res.Size
	dr.Checksum = res.Checksum
	if res.Checksum != "" && res.Checksum != enc.summary.Checksum {
		return fmt.Errorf("checksum of sent bytes %s does not match artifact %s", res.Checksum, enc.summary.Checksum)
	}
	return nil
}

func (m *Manager) runPostHooks(ctx context.Context, r *run) {
	status := "success"
	if !r.rec.Success {
		status = "failure"
	}
	for _, hook := range r.sc.PostBackupHooks {
		if err := m.hooks.Run(ctx, hook, hookEnv(r.rec, status)); err != nil {
			r.logger.Warn("Post-backup hook failed", zap.String("hook", hook), zap.Error(err))
			r.rec.Warnings = append(r.rec.Warnings, fmt.Sprintf("post-backup hook %q: %v", hook, err))
		}
	}
}

func hookEnv(rec *backup.Record, status string) map[string]string {
	env := map[string]string{
		"BACKUP_RECORD_ID":    rec.ID,
		"BACKUP_JOB_ID":       rec.JobID,
		"BACKUP_STORAGE_TYPE": rec.StorageType,
		"BACKUP_TYPE":         string(rec.BackupType),
	}
	if status != "" {
		env["BACKUP_STATUS"] = status
	}
	return env
}

// finish appends the record and publishes the outcome.
func (m *Manager) finish(ctx context.Context, r *run) {
	rec := r.rec
	if err := m.catalog.Append(*rec); err != nil {
		r.logger.Error("Failed to persist backup record", zap.Error(err))
	}
	m.metrics.ObserveRun(rec.StorageType, string(rec.Trigger), rec.Success, rec.Duration(), rec.CompletedAt)
	if rec.Verification != nil {
		for _, c := range rec.Verification.Checks {
			if !c.Passed {
				m.metrics.ObserveVerifyFailure(c.Type)
			}
		}
	}

	if rec.Success {
		r.logger.Info("Backup succeeded", zap.Duration("duration", rec.Duration()),
			zap.String("size", humanize.IBytes(uint64(rec.Size))), zap.Strings("warnings", rec.Warnings))
	} else {
		r.logger.Error("Backup failed", zap.Duration("duration", rec.Duration()),
			zap.String("error_kind", string(rec.ErrorKind)), zap.String("error", rec.Error))
	}

	notifyCtx := context.WithoutCancel(ctx)
	m.notifier.Notify(notifyCtx, notify.RecordEvent(rec))

	if rec.Success && r.cfg.RetentionPolicy.AutoCleanup {
		if _, err := m.ApplyRetention(notifyCtx); err != nil && !errors.Is(err, backup.ErrShutdown) {
			r.logger.Warn("Automatic retention failed", zap.Error(err))
		}
	}
}

func wants(types []string, t string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
