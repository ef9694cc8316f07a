package server

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/broker"
	"github.com/bizflycloud/backup-orchestrator/pkg/orchestrator"
)

type Option func(s *Server) error

// WithAddr returns an Option which set the server listening address.
func WithAddr(addr string) Option {
	return func(s *Server) error {
		s.Addr = addr
		return nil
	}
}

// WithEngine returns an Option which set the engine the API operates on.
func WithEngine(e *orchestrator.Engine) Option {
	return func(s *Server) error {
		if e == nil {
			return errors.New("nil engine")
		}
		s.engine = e
		return nil
	}
}

// WithBroker returns an Option which set the server broker for async messaging.
func WithBroker(b broker.Broker) Option {
	return func(s *Server) error {
		s.b = b
		return nil
	}
}

// WithSubscribeTopics returns an Option which set the topics remote commands are received on.
func WithSubscribeTopics(topics ...string) Option {
	return func(s *Server) error {
		s.subscribeTopics = topics
		return nil
	}
}

// WithShutdownTimeout returns an Option which set how long Run waits for
// requests and commands in flight when stopping.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.shutdownTimeout = d
		return nil
	}
}

// WithLogger returns an Option which set the logger for Server.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}
