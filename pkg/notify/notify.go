// Package notify publishes run outcomes to the configured notification
// channels.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/broker"
)

// Event types.
const (
	BackupSucceeded  = "backup_succeeded"
	BackupFailed     = "backup_failed"
	RetentionApplied = "retention_applied"
)

// Event is the payload sent to every notifier.
type Event struct {
	Type        string         `json:"event_type"`
	RecordID    string         `json:"record_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	StorageType string         `json:"storage_type,omitempty"`
	BackupType  backup.Type    `json:"backup_type,omitempty"`
	Trigger     backup.Trigger `json:"trigger,omitempty"`
	Success     bool           `json:"success"`
	Size        int64          `json:"size,omitempty"`
	Duration    string         `json:"duration,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   backup.Kind    `json:"error_kind,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Deleted     []string       `json:"deleted,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecordEvent builds the event describing a completed run.
func RecordEvent(r *backup.Record) Event {
	e := Event{
		Type:        BackupSucceeded,
		RecordID:    r.ID,
		JobID:       r.JobID,
		StorageType: r.StorageType,
		BackupType:  r.BackupType,
		Trigger:     r.Trigger,
		Success:     r.Success,
		Size:        r.Size,
		Duration:    r.Duration().String(),
		Error:       r.Error,
		ErrorKind:   r.ErrorKind,
		Warnings:    r.Warnings,
		CreatedAt:   r.CompletedAt,
	}
	if !r.Success {
		e.Type = BackupFailed
	}
	return e
}

// Notifier delivers events to one channel.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
	String() string
}

// BrokerNotifier publishes events as JSON on a broker topic.
type BrokerNotifier struct {
	b     broker.Broker
	topic string
}

// NewBrokerNotifier returns a notifier publishing to topic through b.
func NewBrokerNotifier(b broker.Broker, topic string) *BrokerNotifier {
	return &BrokerNotifier{b: b, topic: topic}
}

// Notify implements Notifier.
func (n *BrokerNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return n.b.Publish(n.topic, payload)
}

func (n *BrokerNotifier) String() string {
	return n.b.String() + " " + n.topic
}

// Dispatcher fans events out to its notifiers, filtered by outcome.
type Dispatcher struct {
	notifiers []Notifier
	onSuccess bool
	onFailure bool
	logger    *zap.Logger
}

// Option configures a Dispatcher.
type Option func(d *Dispatcher) error

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithNotifier adds a channel.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) error {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
		return nil
	}
}

// WithFilter selects which run outcomes are delivered.
func WithFilter(onSuccess, onFailure bool) Option {
	return func(d *Dispatcher) error {
		d.onSuccess = onSuccess
		d.onFailure = onFailure
		return nil
	}
}

// NewDispatcher returns a Dispatcher delivering failures by default.
func NewDispatcher(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{onFailure: true}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d, nil
}

func (d *Dispatcher) wants(e Event) bool {
	switch e.Type {
	case BackupSucceeded:
		return d.onSuccess
	case BackupFailed:
		return d.onFailure
	}
	return true
}

// Notify delivers e to every notifier and returns how many accepted it.
// Delivery failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, e Event) int {
	if d == nil || !d.wants(e) {
		return 0
	}
	delivered := 0
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			d.logger.Warn("Notification failed", zap.String("notifier", n.String()), zap.String("event", e.Type), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of notifiers.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}
