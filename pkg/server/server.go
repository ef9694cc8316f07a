package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/valve"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/broker"
	"github.com/bizflycloud/backup-orchestrator/pkg/orchestrator"
)

const defaultShutdownTimeout = 20 * time.Second

// Server exposes the engine over HTTP and executes remote commands
// received from the broker.
type Server struct {
	Addr            string
	router          *chi.Mux
	engine          *orchestrator.Engine
	b               broker.Broker
	subscribeTopics []string
	useUnixSock     bool
	shutdownTimeout time.Duration
	valv            *valve.Valve

	// signal chan use for testing.
	testSignalCh chan os.Signal

	logger *zap.Logger
}

// New creates new server instance.
func New(opts ...Option) (*Server, error) {
	s := &Server{shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.engine == nil {
		return nil, errors.New("server requires an engine")
	}

	s.router = chi.NewRouter()
	s.valv = valve.New()

	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		s.logger = l
	}

	s.setupRoutes()
	s.useUnixSock = strings.HasPrefix(s.Addr, "unix://")
	s.Addr = strings.TrimPrefix(s.Addr, "unix://")

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.ListJobs)
		r.Get("/{id}", s.GetJob)
		r.Delete("/{id}", s.RemoveJob)
		r.Post("/{id}/run", s.RunJob)
		r.Post("/{id}/enable", s.EnableJob)
		r.Post("/{id}/disable", s.DisableJob)
	})

	s.router.Route("/backups", func(r chi.Router) {
		r.Get("/", s.ListBackups)
		r.Get("/{id}", s.GetBackup)
		r.Post("/{id}/restore", s.Restore)
	})

	s.router.Route("/retention", func(r chi.Router) {
		r.Get("/", s.PreviewRetention)
		r.Post("/apply", s.ApplyRetention)
	})

	s.router.Get("/statistics", s.Statistics)
	s.router.Get("/health", s.Health)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.engine.Gatherer, promhttp.HandlerOpts{}))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleBrokerEvent(e broker.Event) error {
	var msg broker.Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return err
	}
	s.logger.Debug("Got broker event", zap.String("event_type", msg.EventType), zap.String("job_id", msg.JobID))
	switch msg.EventType {
	case broker.BackupManual:
		return s.background(msg.EventType, func(ctx context.Context) error {
			_, err := s.engine.Scheduler.Trigger(ctx, msg.JobID)
			return err
		})
	case broker.JobEnable:
		return s.engine.Scheduler.SetEnabled(msg.JobID, true)
	case broker.JobDisable:
		return s.engine.Scheduler.SetEnabled(msg.JobID, false)
	case broker.RetentionApply:
		return s.background(msg.EventType, func(ctx context.Context) error {
			_, err := s.engine.Manager.ApplyRetention(ctx)
			return err
		})
	default:
		return fmt.Errorf("Event %s: %w", msg.EventType, broker.ErrUnknownEventType)
	}
}

// background runs fn outside the broker callback. Run waits for it when
// stopping.
func (s *Server) background(name string, fn func(ctx context.Context) error) error {
	ctx := s.valv.Context()
	if err := valve.Lever(ctx).Open(); err != nil {
		return err
	}
	go func() {
		defer valve.Lever(ctx).Close()
		if err := fn(context.Background()); err != nil {
			s.logger.Error("Remote command failed", zap.String("event_type", name), zap.Error(err))
		}
	}()
	return nil
}

// connectBroker connects to the broker, retrying with backoff until it
// succeeds or the server stops.
func (s *Server) connectBroker(ctx context.Context) {
	if s.b == nil {
		return
	}
	b := &backoff.Backoff{Jitter: true, Min: time.Second, Max: time.Minute}
	for {
		var err error
		if len(s.subscribeTopics) == 0 {
			err = s.b.Connect()
		} else {
			err = s.b.ConnectAndSubscribe(s.handleBrokerEvent, s.subscribeTopics)
		}
		if err == nil {
			s.logger.Info("Connected to broker", zap.String("broker", s.b.String()), zap.Strings("topics", s.subscribeTopics))
			return
		}
		d := b.Duration()
		s.logger.Warn("Failed to connect to broker", zap.Error(err), zap.Duration("retry_in", d))
		select {
		case <-valve.Lever(ctx).Stop():
			return
		case <-time.After(d):
		}
	}
}

// Run serves the API until SIGTERM or SIGINT. It does not stop the engine.
func (s *Server) Run() error {
	baseCtx := s.valv.Context()

	go s.connectBroker(baseCtx)

	srv := http.Server{Handler: chi.ServerBaseContext(baseCtx, s.router)}

	c := make(chan os.Signal, 1)
	if s.testSignalCh != nil {
		c = s.testSignalCh
	}
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c
		s.logger.Info("shutting down...")

		// first valv
		if err := s.valv.Shutdown(s.shutdownTimeout); err != nil {
			s.logger.Error("failed to shutdown valv", zap.Error(err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown http server", zap.Error(err))
		}
	}()

	if s.useUnixSock {
		// a stale socket from a previous run blocks the listener
		_ = os.Remove(s.Addr)
		unixListener, err := net.Listen("unix", s.Addr)
		if err != nil {
			return err
		}
		return srv.Serve(unixListener)
	}

	srv.Addr = s.Addr
	return srv.ListenAndServe()
}
