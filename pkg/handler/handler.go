// Package handler defines the storage handler capability: the per-backend
// mechanics of producing, restoring and checking one backup artifact.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
)

// ErrNoHandler is returned when no handler is registered for a storage type.
var ErrNoHandler = errors.New("no handler registered for storage type")

// Request describes one backup a handler must perform.
type Request struct {
	// ID names the artifact; it is the id of the record the run produces.
	ID          string
	JobID       string
	StorageType string
	BackupType  backup.Type
	// StagingDir is where the handler writes its artifact.
	StagingDir string
	// Since is the completion time of the reference backup for incremental
	// and differential runs. It is zero for full backups.
	Since   time.Time
	Options map[string]string
}

// Handler performs backup, restore and verification for one backend type.
type Handler interface {
	Type() string
	Backup(ctx context.Context, req Request) (*backup.Artifact, error)
	Restore(ctx context.Context, artifact *backup.Artifact) error
	Verify(ctx context.Context, artifact *backup.Artifact, types []string) (*backup.VerificationResult, error)
}

// Registry maps storage types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.handlers[h.Type()] = h
	}
	return r
}

// Register adds h, replacing any handler of the same type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for storageType.
func (r *Registry) Get(storageType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[storageType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", storageType, ErrNoHandler)
	}
	return h, nil
}

// Types lists the registered storage types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
