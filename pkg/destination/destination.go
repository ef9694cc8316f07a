// Package destination defines the sink capability artifacts are written to,
// together with a registry keyed by destination type.
package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
)

var (
	// ErrUnknownSink is returned when no sink is registered for a destination type.
	ErrUnknownSink = errors.New("no sink registered for destination type")
	// ErrNotFound is returned by Open for an artifact the destination does not hold.
	ErrNotFound = errors.New("artifact not found")
)

// WriteResult describes an artifact stored at a destination.
type WriteResult struct {
	ArtifactID string
	Location   string
	Size       int64
	// Checksum is the SHA-256 of the bytes sent.
	Checksum string
}

// Sink moves artifacts to and from one kind of destination. The artifact
// passed to Write names a local file; it is stored under artifact.ID.
type Sink interface {
	Type() string
	Write(ctx context.Context, artifact *backup.Artifact, dest config.Destination) (*WriteResult, error)
	Open(ctx context.Context, artifactID string, dest config.Destination) (io.ReadCloser, error)
	ListArtifacts(ctx context.Context, dest config.Destination) ([]backup.ArtifactRef, error)
	Delete(ctx context.Context, artifactID string, dest config.Destination) error
}

// Registry maps destination types to sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry returns a registry holding sinks.
func NewRegistry(sinks ...Sink) *Registry {
	r := &Registry{sinks: make(map[string]Sink)}
	for _, s := range sinks {
		r.sinks[s.Type()] = s
	}
	return r
}

// Register adds s, replacing any sink of the same type.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Type()] = s
}

// Get returns the sink for destType.
func (r *Registry) Get(destType string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[destType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", destType, ErrUnknownSink)
	}
	return s, nil
}

// Types lists the registered destination types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.sinks))
	for t := range r.sinks {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Option returns opts[key], accepting the lowercased key configuration
// decoders produce.
func Option(opts map[string]string, key string) string {
	if v, ok := opts[key]; ok {
		return v
	}
	for k, v := range opts {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
