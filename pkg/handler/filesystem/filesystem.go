// Package filesystem backs up a directory tree into a zip archive.
package filesystem

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/cache"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler"
)

// Type is the storage type served by this handler.
const Type = "filesystem"

// Options understood in a storage config.
const (
	OptionPath        = "path"
	OptionRestorePath = "restorePath"
)

// Handler archives the directory named by the "path" option.
type Handler struct {
	logger   *zap.Logger
	indexDir string
}

var _ handler.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithIndexDir keeps a file index per job under dir. Incremental and
// differential runs then also include files whose size, mode or mtime differ
// from the reference index, and report the files removed since.
func WithIndexDir(dir string) Option {
	return func(h *Handler) {
		h.indexDir = dir
	}
}

// New returns a filesystem handler.
func New(logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Type() string { return Type }

// Backup writes the files under the source path into a zip archive. For
// incremental and differential runs only files modified after req.Since, or
// changed since the reference file index, are included.
func (h *Handler) Backup(ctx context.Context, req handler.Request) (*backup.Artifact, error) {
	src := option(req.Options, OptionPath)
	if src == "" {
		return nil, backup.Errorf(backup.KindBackup, "filesystem.backup", "option %q is required", OptionPath)
	}
	if _, err := os.Stat(src); err != nil {
		return nil, backup.NewError(backup.KindBackup, "filesystem.backup", err)
	}
	if err := os.MkdirAll(req.StagingDir, 0700); err != nil {
		return nil, backup.NewError(backup.KindBackup, "filesystem.backup", err)
	}

	dst := filepath.Join(req.StagingDir, req.ID+".zip")
	fi, err := os.Create(dst)
	if err != nil {
		return nil, backup.NewError(backup.KindBackup, "filesystem.backup", err)
	}

	sel := selector{}
	if req.BackupType != backup.TypeFull {
		sel.since = req.Since
	}
	repo, err := h.repository(req)
	if err != nil {
		fi.Close()
		os.Remove(dst)
		return nil, backup.NewError(backup.KindBackup, "filesystem.index", err)
	}
	if repo != nil && !sel.since.IsZero() {
		t := cache.LATEST
		if req.BackupType == backup.TypeDifferential {
			t = cache.FULL
		}
		if sel.ref, err = repo.LoadIndex(t); err != nil {
			h.logger.Warn("Ignoring unreadable file index", zap.String("job", req.JobID), zap.Error(err))
		}
	}
	current := cache.NewIndex(req.JobID, req.ID)
	n, err := compressDir(ctx, src, sel, current, fi)
	if cerr := fi.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		if ctxErr := backup.FromContext(ctx, "filesystem.backup"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, backup.NewError(backup.KindBackup, "filesystem.backup", err)
	}

	st, err := os.Stat(dst)
	if err != nil {
		return nil, backup.NewError(backup.KindBackup, "filesystem.backup", err)
	}
	h.logger.Debug("Archived directory",
		zap.String("path", src),
		zap.Int("files", n),
		zap.String("backup_type", string(req.BackupType)))

	metadata := map[string]string{
		OptionPath: src,
		"files":    strconv.Itoa(n),
	}
	if repo != nil {
		if sel.ref != nil {
			metadata["removed"] = strconv.Itoa(len(sel.ref.Removed(current)))
		}
		if err := h.saveIndex(repo, req.BackupType, current); err != nil {
			h.logger.Warn("Failed to save file index", zap.String("job", req.JobID), zap.Error(err))
		}
	}

	return &backup.Artifact{
		ID:          req.ID,
		StorageType: req.StorageType,
		BackupType:  req.BackupType,
		Path:        dst,
		Size:        st.Size(),
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}, nil
}

func (h *Handler) repository(req handler.Request) (*cache.Repository, error) {
	if h.indexDir == "" || req.JobID == "" {
		return nil, nil
	}
	return cache.NewRepository(h.indexDir, req.JobID)
}

func (h *Handler) saveIndex(repo *cache.Repository, bt backup.Type, idx *cache.Index) error {
	if bt == backup.TypeFull {
		if err := repo.SaveIndex(cache.FULL, idx); err != nil {
			return err
		}
	}
	return repo.SaveIndex(cache.LATEST, idx)
}

// Restore extracts the archive into the "restorePath" metadata entry, or the
// original source path when it is not set.
func (h *Handler) Restore(ctx context.Context, artifact *backup.Artifact) error {
	dest := option(artifact.Metadata, OptionRestorePath)
	if dest == "" {
		dest = option(artifact.Metadata, OptionPath)
	}
	if dest == "" {
		return backup.Errorf(backup.KindRestore, "filesystem.restore", "no restore path for artifact %s", artifact.ID)
	}
	if err := unzip(ctx, artifact.Path, dest); err != nil {
		return backup.NewError(backup.KindRestore, "filesystem.restore", err)
	}
	h.logger.Info("Restored archive", zap.String("artifact", artifact.ID), zap.String("path", dest))
	return nil
}

// Verify checks that the archive is readable and every entry matches its CRC.
func (h *Handler) Verify(ctx context.Context, artifact *backup.Artifact, types []string) (*backup.VerificationResult, error) {
	res := &backup.VerificationResult{VerifiedAt: time.Now().UTC()}
	for _, t := range types {
		if t != backup.VerifyIntegrity {
			continue
		}
		if err := checkArchive(ctx, artifact.Path); err != nil {
			res.Add(backup.CheckResult{Type: t, Passed: false, Message: err.Error()})
			continue
		}
		res.Add(backup.CheckResult{Type: t, Passed: true})
	}
	if len(res.Checks) == 0 {
		res.Passed = true
	}
	return res, nil
}

func option(opts map[string]string, key string) string {
	if v, ok := opts[key]; ok {
		return v
	}
	// configuration keys may arrive lowercased
	return opts[strings.ToLower(key)]
}

// selector decides which files an archive includes. A zero since includes
// every file.
type selector struct {
	since time.Time
	ref   *cache.Index
}

func (s selector) include(info os.FileInfo, node *cache.Node) bool {
	if s.since.IsZero() || info.ModTime().After(s.since) {
		return true
	}
	return s.ref != nil && s.ref.Changed(node)
}

func compressDir(ctx context.Context, src string, sel selector, index *cache.Index, w io.Writer) (int, error) {
	zw := zip.NewWriter(w)
	defer zw.Close()

	count := 0
	walker := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		node, err := cache.NodeFromFileInfo(src, path, info)
		if err != nil {
			return err
		}
		index.Items[node.RelativePath] = node
		if !sel.include(info, node) {
			return nil
		}

		fi, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fi.Close()

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = node.RelativePath
		hdr.Method = zip.Store
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, fi); err != nil {
			return err
		}
		count++
		return nil
	}

	if err := filepath.Walk(src, walker); err != nil {
		return count, err
	}
	if err := zw.Close(); err != nil {
		return count, err
	}
	return count, nil
}

func unzip(ctx context.Context, zipFile, dest string) error {
	r, err := zip.OpenReader(zipFile)
	if err != nil {
		return fmt.Errorf("zip.OpenReader: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	root := filepath.Clean(dest) + string(os.PathSeparator)

	extractAndWriteFile := func(f *zip.File) error {
		path := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(path, root) {
			return fmt.Errorf("extractAndWriteFile: illegal path %q", f.Name)
		}
		if f.FileInfo().IsDir() {
			return os.MkdirAll(path, 0755)
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("extractAndWriteFile: f.Open: %w", err)
		}
		defer rc.Close()

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return fmt.Errorf("extractAndWriteFile: os.OpenFile: %w", err)
		}
		defer out.Close()

		if _, err := io.Copy(out, rc); err != nil {
			return fmt.Errorf("extractAndWriteFile: io.Copy: %w", err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("extractAndWriteFile: f.Close: %w", err)
		}
		return os.Chtimes(path, f.Modified, f.Modified)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractAndWriteFile(f); err != nil {
			return err
		}
	}
	return nil
}

func checkArchive(ctx context.Context, path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		// the zip reader checks the CRC once the entry is read to the end
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}
