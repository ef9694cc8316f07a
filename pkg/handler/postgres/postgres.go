// Package postgres backs up a PostgreSQL database with pg_dump and restores
// it with pg_restore.
package postgres

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	pg "github.com/habx/pg-commands"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler"
)

// Type is the storage type served by this handler.
const Type = "postgres"

// PasswordEnv is read when the storage config carries no password.
const PasswordEnv = "PGPASSWORD"

// Handler dumps the database described by the storage config options
// host, port, database, username and password.
type Handler struct {
	logger *zap.Logger
}

var _ handler.Handler = (*Handler)(nil)

// New returns a postgres handler.
func New(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

func (h *Handler) Type() string { return Type }

func connection(opts map[string]string) (*pg.Postgres, error) {
	get := func(key string) string {
		if v, ok := opts[key]; ok {
			return v
		}
		return opts[strings.ToLower(key)]
	}

	conn := &pg.Postgres{
		Host:     get("host"),
		DB:       get("database"),
		Username: get("username"),
		Password: get("password"),
		Port:     5432,
	}
	if conn.Host == "" {
		conn.Host = "localhost"
	}
	if conn.DB == "" {
		return nil, fmt.Errorf("option %q is required", "database")
	}
	if conn.Username == "" {
		conn.Username = "postgres"
	}
	if conn.Password == "" {
		conn.Password = os.Getenv(PasswordEnv)
	}
	if p := get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", p)
		}
		conn.Port = port
	}
	return conn, nil
}

// Backup runs pg_dump into the staging directory. PostgreSQL has no native
// file-level increments, so every backup type produces a full dump.
func (h *Handler) Backup(ctx context.Context, req handler.Request) (*backup.Artifact, error) {
	conn, err := connection(req.Options)
	if err != nil {
		return nil, backup.NewError(backup.KindBackup, "postgres.backup", err)
	}
	dump, err := pg.NewDump(conn)
	if err != nil {
		return nil, backup.NewError(backup.KindBackup, "postgres.backup", err)
	}
	if err := os.MkdirAll(req.StagingDir, 0700); err != nil {
		return nil, backup.NewError(backup.KindBackup, "postgres.backup", err)
	}
	dump.SetPath(req.StagingDir + string(os.PathSeparator))

	type outcome struct{ res pg.Result }
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{dump.Exec(pg.ExecOptions{StreamPrint: false})}
	}()

	var res pg.Result
	select {
	case <-ctx.Done():
		return nil, backup.FromContext(ctx, "postgres.backup")
	case o := <-done:
		res = o.res
	}
	if res.Error != nil {
		h.logger.Error("pg_dump failed", zap.Error(res.Error.Err), zap.String("output", res.Output))
		return nil, backup.NewError(backup.KindBackup, "postgres.backup", res.Error.Err)
	}

	path := dumpPath(req.StagingDir, res.File)
	st, err := os.Stat(path)
	if err != nil {
		return nil, backup.NewError(backup.KindBackup, "postgres.backup", err)
	}
	h.logger.Info("Dump success", zap.String("database", conn.DB), zap.String("file", path))

	return &backup.Artifact{
		ID:          req.ID,
		StorageType: req.StorageType,
		BackupType:  req.BackupType,
		Path:        path,
		Size:        st.Size(),
		CreatedAt:   time.Now().UTC(),
		Metadata: map[string]string{
			"host":     conn.Host,
			"port":     strconv.Itoa(conn.Port),
			"database": conn.DB,
			"username": conn.Username,
		},
	}, nil
}

func dumpPath(stagingDir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	candidate := filepath.Join(stagingDir, filepath.Base(file))
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return file
}

// Restore runs pg_restore with the dump into the database named by the
// artifact metadata.
func (h *Handler) Restore(ctx context.Context, artifact *backup.Artifact) error {
	conn, err := connection(artifact.Metadata)
	if err != nil {
		return backup.NewError(backup.KindRestore, "postgres.restore", err)
	}
	restore, err := pg.NewRestore(conn)
	if err != nil {
		return backup.NewError(backup.KindRestore, "postgres.restore", err)
	}

	done := make(chan pg.Result, 1)
	go func() {
		done <- restore.Exec(artifact.Path, pg.ExecOptions{StreamPrint: false})
	}()

	select {
	case <-ctx.Done():
		return backup.NewError(backup.KindRestore, "postgres.restore", context.Cause(ctx))
	case res := <-done:
		if res.Error != nil {
			h.logger.Error("pg_restore failed", zap.Error(res.Error.Err), zap.String("output", res.Output))
			return backup.NewError(backup.KindRestore, "postgres.restore", res.Error.Err)
		}
	}
	h.logger.Info("Restore success", zap.String("database", conn.DB))
	return nil
}

var (
	customFormatMagic = []byte("PGDMP")
	plainFormatMagic  = []byte("--")
)

// Verify checks that the artifact looks like a pg_dump archive.
func (h *Handler) Verify(ctx context.Context, artifact *backup.Artifact, types []string) (*backup.VerificationResult, error) {
	res := &backup.VerificationResult{Passed: true, VerifiedAt: time.Now().UTC()}
	for _, t := range types {
		if t != backup.VerifyIntegrity {
			continue
		}
		if err := checkDump(artifact.Path); err != nil {
			res.Add(backup.CheckResult{Type: t, Passed: false, Message: err.Error()})
			continue
		}
		res.Add(backup.CheckResult{Type: t, Passed: true})
	}
	return res, nil
}

func checkDump(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, len(customFormatMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return fmt.Errorf("dump is empty")
		}
		return err
	}
	head = head[:n]
	if bytes.HasPrefix(head, customFormatMagic) || bytes.HasPrefix(head, plainFormatMagic) {
		return nil
	}
	return fmt.Errorf("unrecognised dump header %q", head)
}
