package manager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/codec"
)

// RestoreOptions selects where a record is restored from.
type RestoreOptions struct {
	// Destination is the index of the record destination to read from. A
	// negative value picks the first destination the write succeeded on.
	Destination int
	// Options override the storage config options handed to the handler,
	// for example a different restore path.
	Options map[string]string
}

// Restore reads the artifact of recordID back from a destination, reverses
// encryption and compression and hands it to the storage handler.
func (m *Manager) Restore(ctx context.Context, recordID string, opts RestoreOptions) error {
	rec, ok := m.catalog.Get(recordID)
	if !ok {
		return backup.Errorf(backup.KindRestore, "manager.restore", "record %s not found", recordID)
	}
	if !rec.Success {
		return backup.Errorf(backup.KindRestore, "manager.restore", "record %s is a failed backup", recordID)
	}

	idx := opts.Destination
	if idx < 0 {
		for i, dr := range rec.Destinations {
			if dr.Success {
				idx = i
				break
			}
		}
	}
	if idx < 0 || idx >= len(rec.Destinations) || !rec.Destinations[idx].Success {
		return backup.Errorf(backup.KindRestore, "manager.restore", "record %s has no usable destination %d", recordID, opts.Destination)
	}
	dr := rec.Destinations[idx]

	if err := m.acquire(rec.StorageType); err != nil {
		return err
	}
	defer m.release(rec.StorageType)

	cfg := m.Config()
	logger := m.logger.With(zap.String("record_id", rec.ID), zap.String("storage_type", rec.StorageType))
	h, err := m.handlers.Get(rec.StorageType)
	if err != nil {
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}
	dest := lookupDestination(cfg, dr)
	sink, err := m.sinks.Get(dest.Type)
	if err != nil {
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}

	rc, err := sink.Open(ctx, dr.ArtifactID, dest)
	if err != nil {
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}
	decoded, err := codec.Decode(rc, rec.Compression, dr.Encrypted, cfg.Global.EncryptionKey)
	if err != nil {
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}
	defer decoded.Close()

	dir := filepath.Join(cfg.Global.StagingDir, "restore-"+rec.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, decodedName(dr.ArtifactID, rec.Compression, dr.Encrypted))
	f, err := os.Create(path)
	if err != nil {
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}
	n, err := io.Copy(f, codec.NewContextReader(ctx, decoded))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctxErr := backup.FromContext(ctx, "manager.restore"); ctxErr != nil {
			return ctxErr
		}
		return backup.NewError(backup.KindRestore, "manager.restore", err)
	}

	art := &backup.Artifact{
		ID:          rec.ID,
		StorageType: rec.StorageType,
		BackupType:  rec.BackupType,
		Path:        path,
		Size:        n,
		CreatedAt:   rec.StartedAt,
		Metadata:    map[string]string{},
	}
	for _, sc := range cfg.StorageConfigs {
		if sc.Type == rec.StorageType {
			for k, v := range sc.Options {
				art.Metadata[k] = v
			}
		}
	}
	for k, v := range opts.Options {
		art.Metadata[k] = v
	}

	logger.Info("Restoring backup", zap.String("destination", dest.String()))
	if err := h.Restore(ctx, art); err != nil {
		if ctxErr := backup.FromContext(ctx, "manager.restore"); ctxErr != nil {
			return ctxErr
		}
		if backup.KindOf(err) == "" {
			err = backup.NewError(backup.KindRestore, "manager.restore", err)
		}
		return err
	}
	logger.Info("Restore completed")
	return nil
}

// decodedName strips the codec suffixes from a stored artifact id.
func decodedName(artifactID string, c backup.Compression, encrypted bool) string {
	name := artifactID
	if encrypted {
		name = strings.TrimSuffix(name, ".enc")
	}
	return strings.TrimSuffix(name, codec.Extension(c))
}
