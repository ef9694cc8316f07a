// Package local stores artifacts in a directory on the local filesystem.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/codec"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
	"github.com/bizflycloud/backup-orchestrator/pkg/limiter"
)

// Type is the destination type served by this sink.
const Type = "local"

const tmpPrefix = ".tmp-"

// Sink writes artifacts into the directory named by the destination path.
type Sink struct{}

var _ destination.Sink = (*Sink)(nil)

// New returns a local sink.
func New() *Sink { return &Sink{} }

func (s *Sink) Type() string { return Type }

func artifactPath(dest config.Destination, artifactID string) (string, error) {
	if artifactID == "" || artifactID != filepath.Base(artifactID) || strings.HasPrefix(artifactID, ".") {
		return "", fmt.Errorf("invalid artifact id %q", artifactID)
	}
	return filepath.Join(dest.Path, artifactID), nil
}

// Write copies the artifact into the destination directory through a
// temporary file renamed into place.
func (s *Sink) Write(ctx context.Context, artifact *backup.Artifact, dest config.Destination) (*destination.WriteResult, error) {
	target, err := artifactPath(dest, artifact.ID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest.Path, 0700); err != nil {
		return nil, err
	}

	in, err := os.Open(artifact.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	tmp, err := ioutil.TempFile(dest.Path, tmpPrefix+"*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	w := limiter.FromOptions(dest.Options).UpstreamWriter(io.MultiWriter(tmp, h))
	n, err := io.Copy(w, codec.NewContextReader(ctx, in))
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, err
	}

	return &destination.WriteResult{
		ArtifactID: artifact.ID,
		Location:   target,
		Size:       n,
		Checksum:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *Sink) Open(ctx context.Context, artifactID string, dest config.Destination) (io.ReadCloser, error) {
	p, err := artifactPath(dest, artifactID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", p, destination.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListArtifacts returns the artifacts in the destination directory, oldest first.
func (s *Sink) ListArtifacts(ctx context.Context, dest config.Destination) ([]backup.ArtifactRef, error) {
	entries, err := ioutil.ReadDir(dest.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	refs := make([]backup.ArtifactRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		refs = append(refs, backup.ArtifactRef{
			ID:           e.Name(),
			Location:     filepath.Join(dest.Path, e.Name()),
			Size:         e.Size(),
			LastModified: e.ModTime().UTC(),
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].LastModified.Before(refs[j].LastModified)
	})
	return refs, nil
}

// Delete removes the artifact. Deleting a missing artifact is not an error.
func (s *Sink) Delete(ctx context.Context, artifactID string, dest config.Destination) error {
	p, err := artifactPath(dest, artifactID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
