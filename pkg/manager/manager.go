// Package manager executes backup runs: hooks, the storage handler, codecs,
// destination writes and verification, and records every outcome in the
// catalog.
package manager

import (
	"context"
	"os"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/catalog"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler"
	"github.com/bizflycloud/backup-orchestrator/pkg/metrics"
	"github.com/bizflycloud/backup-orchestrator/pkg/notify"
)

const defaultDeleteConcurrency = 4

// Manager runs backups for the storage configs of one configuration.
type Manager struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	handlers *handler.Registry
	sinks    *destination.Registry
	catalog  *catalog.Catalog
	hooks    HookRunner
	metrics  *metrics.Metrics
	notifier *notify.Dispatcher
	clock    clock.Clock
	logger   *zap.Logger

	deleteConcurrency int64

	runMu   sync.Mutex
	running map[string]struct{}
	closed  bool
	wg      sync.WaitGroup

	retentionMu sync.Mutex

	// baseCtx is cancelled with backup.ErrShutdown once the grace period
	// of Shutdown has elapsed.
	baseCtx context.Context
	cancel  context.CancelCauseFunc
}

// Option configures a Manager.
type Option func(m *Manager) error

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) error {
		m.logger = l
		return nil
	}
}

// WithCatalog sets the record catalog. By default the catalog is opened at
// global.catalogPath in global.metadataFormat.
func WithCatalog(c *catalog.Catalog) Option {
	return func(m *Manager) error {
		m.catalog = c
		return nil
	}
}

// WithHookRunner sets how pre and post backup hooks are executed.
func WithHookRunner(h HookRunner) Option {
	return func(m *Manager) error {
		m.hooks = h
		return nil
	}
}

// WithMetrics sets the collectors updated after every run.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = mt
		return nil
	}
}

// WithNotifier sets the dispatcher run outcomes are published through.
func WithNotifier(n *notify.Dispatcher) Option {
	return func(m *Manager) error {
		m.notifier = n
		return nil
	}
}

// WithClock sets the clock used for record timestamps and retention.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) error {
		m.clock = c
		return nil
	}
}

// WithDeleteConcurrency bounds the artifact deletions running at once.
func WithDeleteConcurrency(n int) Option {
	return func(m *Manager) error {
		if n > 0 {
			m.deleteConcurrency = int64(n)
		}
		return nil
	}
}

// New returns a Manager for cfg using the given handler and sink registries.
func New(cfg *config.Config, handlers *handler.Registry, sinks *destination.Registry, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:               cfg,
		handlers:          handlers,
		sinks:             sinks,
		running:           make(map[string]struct{}),
		deleteConcurrency: defaultDeleteConcurrency,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.hooks == nil {
		m.hooks = ShellHookRunner{}
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	if m.catalog == nil {
		c, err := catalog.New(cfg.Global.CatalogPath, cfg.Global.MetadataFormat)
		if err != nil {
			return nil, backup.NewError(backup.KindConfig, "manager.new", err)
		}
		m.catalog = c
	}
	m.baseCtx, m.cancel = context.WithCancelCause(context.Background())
	return m, nil
}

// Init creates the staging directory and loads the persisted catalog.
func (m *Manager) Init(ctx context.Context) error {
	if dir := m.Config().Global.StagingDir; dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return backup.NewError(backup.KindConfig, "manager.init", err)
		}
	}
	if err := m.catalog.Load(); err != nil {
		return backup.NewError(backup.KindConfig, "manager.init", err)
	}
	m.logger.Info("Loaded backup catalog", zap.Int("records", m.catalog.Len()))
	return nil
}

// Config returns the configuration in use.
func (m *Manager) Config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the configuration used by subsequent runs.
func (m *Manager) SetConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	return nil
}

// Catalog returns the record catalog.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// GetStatistics derives the statistics of every recorded run.
func (m *Manager) GetStatistics() backup.Statistics {
	return m.catalog.Statistics()
}

// Records returns the recorded runs matching f, newest first.
func (m *Manager) Records(f catalog.Filter) []backup.Record {
	return m.catalog.List(f)
}

// Running returns the number of runs in progress.
func (m *Manager) Running() int {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return len(m.running)
}

// acquire takes the per storage type lock.
func (m *Manager) acquire(storageType string) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.closed {
		return backup.Errorf(backup.KindShutdown, "manager.run", "manager is shutting down")
	}
	if _, ok := m.running[storageType]; ok {
		return backup.Errorf(backup.KindConflict, "manager.run", "a backup of %s is already running", storageType)
	}
	m.running[storageType] = struct{}{}
	m.wg.Add(1)
	m.metrics.SetRunning(len(m.running))
	return nil
}

func (m *Manager) release(storageType string) {
	m.runMu.Lock()
	delete(m.running, storageType)
	m.metrics.SetRunning(len(m.running))
	m.runMu.Unlock()
	m.wg.Done()
}

// Shutdown stops accepting runs and waits for the in-flight ones until ctx
// is done. Runs still going then are cancelled and recorded as failed with
// a shutdown error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runMu.Lock()
	m.closed = true
	m.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel(backup.ErrShutdown)
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn("Grace period elapsed, cancelling running backups", zap.Int("running", m.Running()))
	m.cancel(backup.ErrShutdown)
	<-done
	return backup.Errorf(backup.KindShutdown, "manager.shutdown", "cancelled in-flight backups")
}
