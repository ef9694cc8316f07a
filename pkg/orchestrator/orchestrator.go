// Package orchestrator wires the manager, the scheduler and their
// collaborators into a running engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/broker"
	"github.com/bizflycloud/backup-orchestrator/pkg/broker/mqtt"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination/local"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination/s3"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination/sftp"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler/filesystem"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler/postgres"
	"github.com/bizflycloud/backup-orchestrator/pkg/health"
	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
	"github.com/bizflycloud/backup-orchestrator/pkg/metrics"
	"github.com/bizflycloud/backup-orchestrator/pkg/notify"
	"github.com/bizflycloud/backup-orchestrator/pkg/notify/webhook"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
)

const defaultEventTopic = "backup-orchestrator/events"

// Engine is a running manager and scheduler pair.
type Engine struct {
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Notifier  *notify.Dispatcher
	// Broker is nil unless MQTT notifications are configured. It is not
	// connected by the engine.
	Broker   broker.Broker
	ClientID string
	Gatherer prometheus.Gatherer

	logger *zap.Logger
}

type options struct {
	logger   *zap.Logger
	clock    clock.Clock
	handlers []handler.Handler
	sinks    []destination.Sink
	registry *prometheus.Registry
	hooks    manager.HookRunner
	broker   broker.Broker
}

// Option configures Initialize.
type Option func(o *options) error

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithClock sets the clock of the manager and the scheduler.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// WithHandler registers h, replacing a built-in handler of the same type.
func WithHandler(h handler.Handler) Option {
	return func(o *options) error {
		if h == nil {
			return errors.New("nil handler")
		}
		o.handlers = append(o.handlers, h)
		return nil
	}
}

// WithSink registers s, replacing a built-in sink of the same type.
func WithSink(s destination.Sink) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("nil sink")
		}
		o.sinks = append(o.sinks, s)
		return nil
	}
}

// WithRegistry sets the registry the collectors are registered on.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) error {
		o.registry = r
		return nil
	}
}

// WithHookRunner sets how pre and post backup hooks are run.
func WithHookRunner(h manager.HookRunner) Option {
	return func(o *options) error {
		o.hooks = h
		return nil
	}
}

// WithBroker replaces the MQTT broker built from the configuration.
func WithBroker(b broker.Broker) Option {
	return func(o *options) error {
		o.broker = b
		return nil
	}
}

// Initialize builds the engine for cfg, loads the catalog and, when backups
// are enabled, schedules the configured jobs and starts the trigger loop. On
// error nothing is left running. A nil cfg means the built-in template.
func Initialize(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clock.WallClock
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	handlers, sinks, err := registries(cfg, o)
	if err != nil {
		return nil, err
	}

	mt, err := metrics.New(o.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	e := &Engine{Metrics: mt, Gatherer: o.registry, logger: o.logger}
	if err := e.buildNotifier(cfg, o); err != nil {
		return nil, err
	}

	mopts := []manager.Option{
		manager.WithLogger(o.logger.Named("manager")),
		manager.WithMetrics(mt),
		manager.WithNotifier(e.Notifier),
		manager.WithClock(o.clock),
	}
	if o.hooks != nil {
		mopts = append(mopts, manager.WithHookRunner(o.hooks))
	}
	e.Manager, err = manager.New(cfg, handlers, sinks, mopts...)
	if err != nil {
		return nil, err
	}
	if err := e.Manager.Init(ctx); err != nil {
		return nil, err
	}

	e.Scheduler, err = scheduler.New(
		scheduler.WithLogger(o.logger.Named("scheduler")),
		scheduler.WithMetrics(mt),
		scheduler.WithClock(o.clock),
	)
	if err != nil {
		return nil, err
	}
	if err := e.Scheduler.Initialize(scheduler.ExecutorFunc(e.execute)); err != nil {
		return nil, err
	}
	if cfg.Enabled {
		if err := e.Scheduler.ScheduleFromConfig(cfg); err != nil {
			_ = e.Manager.Shutdown(ctx)
			return nil, err
		}
		if err := e.Scheduler.Start(context.WithoutCancel(ctx)); err != nil {
			_ = e.Manager.Shutdown(ctx)
			return nil, err
		}
	}

	o.logger.Info("Backup engine initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.Strings("handlers", handlers.Types()),
		zap.Strings("sinks", sinks.Types()),
		zap.Int("notifiers", e.Notifier.Len()),
	)
	return e, nil
}

func registries(cfg *config.Config, o *options) (*handler.Registry, *destination.Registry, error) {
	var fsOpts []filesystem.Option
	if dir := cfg.Global.StagingDir; dir != "" {
		fsOpts = append(fsOpts, filesystem.WithIndexDir(filepath.Join(dir, "index")))
	}
	handlers := handler.NewRegistry(
		filesystem.New(o.logger.Named("filesystem"), fsOpts...),
		postgres.New(o.logger.Named("postgres")),
	)
	for _, h := range o.handlers {
		handlers.Register(h)
	}

	s3Sink, err := s3.New(s3.WithLogger(o.logger.Named("s3")))
	if err != nil {
		return nil, nil, err
	}
	sftpSink, err := sftp.New(sftp.WithLogger(o.logger.Named("sftp")))
	if err != nil {
		return nil, nil, err
	}
	sinks := destination.NewRegistry(local.New(), s3Sink, sftpSink)
	for _, s := range o.sinks {
		sinks.Register(s)
	}
	return handlers, sinks, nil
}

func (e *Engine) buildNotifier(cfg *config.Config, o *options) error {
	n := cfg.Global.Notifications
	dopts := []notify.Option{
		notify.WithLogger(o.logger.Named("notify")),
		notify.WithFilter(n.OnSuccess, n.OnFailure),
	}

	e.ClientID = n.MQTT.ClientID
	if e.ClientID == "" {
		host, _ := os.Hostname()
		e.ClientID = "backup-orchestrator-" + host
	}
	e.Broker = o.broker
	if e.Broker == nil && n.MQTT.URL != "" {
		b, err := mqtt.NewBroker(
			mqtt.WithURL(n.MQTT.URL),
			mqtt.WithClientID(e.ClientID),
			mqtt.WithLogger(o.logger.Named("broker")),
		)
		if err != nil {
			return backup.NewError(backup.KindConfig, "orchestrator.notify", err)
		}
		e.Broker = b
	}
	if e.Broker != nil {
		topic := n.MQTT.Topic
		if topic == "" {
			topic = defaultEventTopic
		}
		dopts = append(dopts, notify.WithNotifier(notify.NewBrokerNotifier(e.Broker, topic)))
	}

	if n.Webhook.URL != "" {
		w, err := webhook.New(n.Webhook.URL)
		if err != nil {
			return backup.NewError(backup.KindConfig, "orchestrator.notify", err)
		}
		dopts = append(dopts, notify.WithNotifier(w))
	}

	d, err := notify.NewDispatcher(dopts...)
	if err != nil {
		return err
	}
	e.Notifier = d
	return nil
}

func (e *Engine) execute(ctx context.Context, run scheduler.Run) (*backup.Record, error) {
	return e.Manager.RunBackup(ctx, run.StorageConfig, manager.RunOptions{
		JobID:   run.JobID,
		Trigger: run.Trigger,
		Attempt: run.Attempt,
		Timeout: run.Timeout,
	})
}

// Reload validates cfg and applies it to the scheduler and the manager.
// Disabling the engine disables every job; enabling it schedules the
// configured jobs and starts the scheduler if it was never started. Jobs of
// storage types no longer configured keep their schedule until they are
// unscheduled.
func (e *Engine) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		for _, j := range e.Scheduler.Jobs() {
			if err := e.Scheduler.SetEnabled(j.ID, false); err != nil && !errors.Is(err, scheduler.ErrUnknownJob) {
				return err
			}
		}
		e.logger.Info("Backups disabled by reload")
		return e.Manager.SetConfig(cfg)
	}
	if err := e.Scheduler.ScheduleFromConfig(cfg); err != nil {
		return err
	}
	if err := e.Manager.SetConfig(cfg); err != nil {
		return err
	}
	return e.Scheduler.Start(context.Background())
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	return e.Manager.Config()
}

// ManagerStatistics returns the statistics of the record catalog.
func (e *Engine) ManagerStatistics() backup.Statistics {
	return e.Manager.GetStatistics()
}

// SchedulerStatistics returns the run counters of the scheduler.
func (e *Engine) SchedulerStatistics() scheduler.Statistics {
	return e.Scheduler.GetStatistics()
}

// Shutdown stops the scheduler, then drains the manager. Both share ctx as
// their deadline.
func Shutdown(ctx context.Context, e *Engine) error {
	if e == nil {
		return nil
	}
	var errs []error
	if err := e.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.Broker != nil {
		if err := e.Broker.Disconnect(); err != nil && !errors.Is(err, mqtt.ErrNoConnection) {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Backup engine stopped")
	return errors.Join(errs...)
}

// CheckHealth reports whether the engine is healthy.
func CheckHealth(e *Engine) health.Report {
	if e == nil {
		return health.Check(nil)
	}
	return health.Check(e)
}
