package broker

import "errors"

// Remote command types.
const (
	BackupManual   = "backup_manual"
	JobEnable      = "job_enable"
	JobDisable     = "job_disable"
	RetentionApply = "retention_apply"
)

// ErrUnknownEventType is raised when receiving unhandled event from broker.
var ErrUnknownEventType = errors.New("unknown event type")

// Message is the command format received on the command topic.
type Message struct {
	EventType string `json:"event_type"`
	JobID     string `json:"job_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}
