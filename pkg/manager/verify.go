package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/restic/chunker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/codec"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
)

// chunkerPol is the polynomial content-defined chunk boundaries are computed with.
const chunkerPol = chunker.Pol(0x3dea92648f6e83)

const verifyConcurrency = 2

// chunkDigests splits r into content-defined chunks and returns the SHA-256
// of each.
func chunkDigests(ctx context.Context, r io.Reader) ([]string, error) {
	chk := chunker.New(codec.NewContextReader(ctx, r), chunkerPol)
	buf := make([]byte, chunker.MaxSize)
	var digests []string
	for {
		chunk, err := chk.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(chunk.Data)
		digests = append(digests, hex.EncodeToString(sum[:]))
	}
	return digests, nil
}

func chunkDigestsFile(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return chunkDigests(ctx, f)
}

// verify reads back every written artifact and runs the configured checks.
func (m *Manager) verify(ctx context.Context, r *run) error {
	types := r.cfg.Global.VerificationTypes
	if len(types) == 0 {
		return nil
	}

	results := make([]*backup.VerificationResult, len(r.cfg.Destinations))
	sem := semaphore.NewWeighted(verifyConcurrency)
	group, gctx := errgroup.WithContext(ctx)
	for i, d := range r.cfg.Destinations {
		if !r.rec.Destinations[i].Success {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		i, d := i, d
		group.Go(func() error {
			defer sem.Release(1)
			res, err := m.verifyDestination(gctx, r, i, d, types)
			results[i] = res
			return err
		})
	}
	if err := group.Wait(); err != nil {
		if ctxErr := backup.FromContext(ctx, "manager.verify"); ctxErr != nil {
			return ctxErr
		}
		return backup.NewError(backup.KindVerification, "manager.verify", err)
	}
	if err := backup.FromContext(ctx, "manager.verify"); err != nil {
		return err
	}

	total := &backup.VerificationResult{VerifiedAt: m.clock.Now().UTC()}
	for _, res := range results {
		total.Merge(res)
	}
	r.rec.Verification = total
	if !total.Passed {
		for _, c := range total.Checks {
			if !c.Passed {
				return backup.Errorf(backup.KindVerification, "manager.verify", "%s check failed: %s", c.Type, c.Message)
			}
		}
	}
	return nil
}

// verifyDestination returns the checks of one destination. The error is
// reserved for failures that prevent checking at all.
func (m *Manager) verifyDestination(ctx context.Context, r *run, i int, d config.Destination, types []string) (*backup.VerificationResult, error) {
	sink, err := m.sinks.Get(d.Type)
	if err != nil {
		return nil, err
	}
	enc := r.encodedFor(d)
	res := &backup.VerificationResult{VerifiedAt: m.clock.Now().UTC()}
	fail := func(t string, format string, args ...interface{}) {
		res.Add(backup.CheckResult{Type: t, Passed: false, Message: d.String() + ": " + fmt.Sprintf(format, args...)})
	}

	if wants(types, backup.VerifyChecksum) || wants(types, backup.VerifySize) {
		rc, err := sink.Open(ctx, enc.id, d)
		if err != nil {
			return nil, fmt.Errorf("read back %s from %s: %w", enc.id, d, err)
		}
		sum, err := codec.Digest(codec.NewContextReader(ctx, rc))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read back %s from %s: %w", enc.id, d, err)
		}
		if wants(types, backup.VerifyChecksum) {
			if sum.Checksum != enc.summary.Checksum {
				fail(backup.VerifyChecksum, "sha256 %s, expected %s", sum.Checksum, enc.summary.Checksum)
			} else {
				res.Add(backup.CheckResult{Type: backup.VerifyChecksum, Passed: true})
			}
		}
		if wants(types, backup.VerifySize) {
			if sum.Size != enc.summary.Size {
				fail(backup.VerifySize, "%d bytes, expected %d", sum.Size, enc.summary.Size)
			} else {
				res.Add(backup.CheckResult{Type: backup.VerifySize, Passed: true})
			}
		}
	}

	if wants(types, backup.VerifyIntegrity) {
		if err := m.verifyIntegrity(ctx, r, i, d, enc, res); err != nil {
			return nil, err
		}
	}
	r.logger.Debug("Verified artifact", zap.String("destination", d.String()), zap.Bool("passed", res.Passed))
	return res, nil
}

// verifyIntegrity decodes the stored artifact, compares its chunk digests with
// the ones taken at backup time and asks the handler to check the content.
func (m *Manager) verifyIntegrity(ctx context.Context, r *run, i int, d config.Destination, enc *encoded, res *backup.VerificationResult) error {
	sink, err := m.sinks.Get(d.Type)
	if err != nil {
		return err
	}
	rc, err := sink.Open(ctx, enc.id, d)
	if err != nil {
		return fmt.Errorf("read back %s from %s: %w", enc.id, d, err)
	}
	decoded, err := codec.Decode(rc, r.rec.Compression, enc.encrypted, r.cfg.Global.EncryptionKey)
	if err != nil {
		res.Add(backup.CheckResult{Type: backup.VerifyIntegrity, Message: fmt.Sprintf("%s: decode: %v", d, err)})
		return nil
	}
	defer decoded.Close()

	restored := filepath.Join(r.dir, "verify", fmt.Sprintf("%d-%s", i, filepath.Base(r.artifact.Path)))
	if err := os.MkdirAll(filepath.Dir(restored), 0700); err != nil {
		return err
	}
	out, err := os.Create(restored)
	if err != nil {
		return err
	}
	chunks, err := chunkDigests(ctx, io.TeeReader(decoded, out))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Add(backup.CheckResult{Type: backup.VerifyIntegrity, Message: fmt.Sprintf("%s: decode: %v", d, err)})
		return nil
	}
	if !equalDigests(chunks, r.rec.Chunks) {
		res.Add(backup.CheckResult{Type: backup.VerifyIntegrity,
			Message: fmt.Sprintf("%s: %d chunks differ from the %d taken at backup time", d, diffDigests(chunks, r.rec.Chunks), len(r.rec.Chunks))})
		return nil
	}

	art := *r.artifact
	art.Path = restored
	hres, err := r.handler.Verify(ctx, &art, []string{backup.VerifyIntegrity})
	if err != nil {
		res.Add(backup.CheckResult{Type: backup.VerifyIntegrity, Message: fmt.Sprintf("%s: %v", d, err)})
		return nil
	}
	if hres == nil || len(hres.Checks) == 0 {
		res.Add(backup.CheckResult{Type: backup.VerifyIntegrity, Passed: true})
		return nil
	}
	for _, c := range hres.Checks {
		if !c.Passed {
			c.Message = d.String() + ": " + c.Message
		}
		res.Add(c)
	}
	return nil
}

func equalDigests(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diffDigests(a, b []string) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	diff := 0
	for i := 0; i < n; i++ {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			diff++
		}
	}
	return diff
}
