// Package backup holds the types shared by the orchestration components:
// artifacts produced by storage handlers, the records kept in the catalog,
// derived statistics and the error taxonomy.
package backup

import (
	"time"
)

// Type is the kind of backup a storage handler performs.
type Type string

const (
	TypeFull         Type = "full"
	TypeIncremental  Type = "incremental"
	TypeDifferential Type = "differential"
)

// Valid reports whether t is a known backup type.
func (t Type) Valid() bool {
	switch t {
	case TypeFull, TypeIncremental, TypeDifferential:
		return true
	}
	return false
}

// Compression is a codec applied to an artifact before it is written.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionBrotli Compression = "brotli"
	CompressionLZ4    Compression = "lz4"
)

// Valid reports whether c is a known compression codec. The empty value means none.
func (c Compression) Valid() bool {
	switch c {
	case "", CompressionNone, CompressionGzip, CompressionBrotli, CompressionLZ4:
		return true
	}
	return false
}

// Verification types run against a written artifact.
const (
	VerifyChecksum  = "checksum"
	VerifySize      = "size"
	VerifyIntegrity = "integrity"
)

// Trigger says what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
	TriggerManual    Trigger = "manual"
)

// Artifact is the output of a storage handler: a file staged on local disk.
type Artifact struct {
	ID          string            `json:"id" yaml:"id"`
	StorageType string            `json:"storage_type" yaml:"storage_type"`
	BackupType  Type              `json:"backup_type" yaml:"backup_type"`
	Path        string            `json:"path" yaml:"path"`
	Size        int64             `json:"size" yaml:"size"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ArtifactRef identifies an artifact stored at a destination.
type ArtifactRef struct {
	ID           string    `json:"id" yaml:"id"`
	Location     string    `json:"location" yaml:"location"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
}

// CheckResult is the outcome of one verification type.
type CheckResult struct {
	Type    string `json:"type" yaml:"type"`
	Passed  bool   `json:"passed" yaml:"passed"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// VerificationResult aggregates the checks run against one artifact.
type VerificationResult struct {
	Passed     bool          `json:"passed" yaml:"passed"`
	Checks     []CheckResult `json:"checks" yaml:"checks"`
	VerifiedAt time.Time     `json:"verified_at" yaml:"verified_at"`
}

// Add appends a check and folds it into Passed.
func (v *VerificationResult) Add(c CheckResult) {
	if len(v.Checks) == 0 {
		v.Passed = true
	}
	v.Checks = append(v.Checks, c)
	v.Passed = v.Passed && c.Passed
}

// Merge folds the checks of other into v.
func (v *VerificationResult) Merge(other *VerificationResult) {
	if other == nil {
		return
	}
	for _, c := range other.Checks {
		v.Add(c)
	}
}

// DestinationResult is the outcome of writing one artifact to one destination.
type DestinationResult struct {
	Type       string `json:"type" yaml:"type"`
	Path       string `json:"path" yaml:"path"`
	ArtifactID string `json:"artifact_id,omitempty" yaml:"artifact_id,omitempty"`
	Location   string `json:"location,omitempty" yaml:"location,omitempty"`
	Encrypted  bool   `json:"encrypted" yaml:"encrypted"`
	Size       int64  `json:"size" yaml:"size"`
	Checksum   string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Success    bool   `json:"success" yaml:"success"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Record is the catalog entry of one completed run. It is never modified
// after it has been appended to the catalog.
type Record struct {
	ID           string              `json:"id" yaml:"id"`
	JobID        string              `json:"job_id" yaml:"job_id"`
	StorageType  string              `json:"storage_type" yaml:"storage_type"`
	BackupType   Type                `json:"backup_type" yaml:"backup_type"`
	Compression  Compression         `json:"compression" yaml:"compression"`
	Encrypted    bool                `json:"encrypted" yaml:"encrypted"`
	Trigger      Trigger             `json:"trigger" yaml:"trigger"`
	Attempt      int                 `json:"attempt" yaml:"attempt"`
	StartedAt    time.Time           `json:"started_at" yaml:"started_at"`
	CompletedAt  time.Time           `json:"completed_at" yaml:"completed_at"`
	Size         int64               `json:"size" yaml:"size"`
	Checksum     string              `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Chunks       []string            `json:"chunks,omitempty" yaml:"chunks,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty" yaml:"verification,omitempty"`
	Destinations []DestinationResult `json:"destinations" yaml:"destinations"`
	Success      bool                `json:"success" yaml:"success"`
	Error        string              `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind    Kind                `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Warnings     []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Duration returns how long the run took.
func (r Record) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// PairKey identifies the backend/type pair a record belongs to.
func (r Record) PairKey() string {
	return r.StorageType + "/" + string(r.BackupType)
}

// Statistics is derived from the record catalog and never persisted.
type Statistics struct {
	TotalBackups      int        `json:"total_backups"`
	SuccessfulBackups int        `json:"successful_backups"`
	FailedBackups     int        `json:"failed_backups"`
	SuccessRate       float64    `json:"success_rate"`
	TotalSize         int64      `json:"total_size"`
	LastBackupTime    *time.Time `json:"last_backup_time,omitempty"`
	LastSuccessTime   *time.Time `json:"last_success_time,omitempty"`
}

// SuccessRate returns successful/total as a percentage, 0 when total is 0.
func SuccessRate(successful, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(successful) / float64(total) * 100
}

// ComputeStatistics derives Statistics from records.
func ComputeStatistics(records []Record) Statistics {
	var s Statistics
	for i := range records {
		r := &records[i]
		s.TotalBackups++
		if r.Success {
			s.SuccessfulBackups++
			s.TotalSize += r.Size
			if s.LastSuccessTime == nil || r.CompletedAt.After(*s.LastSuccessTime) {
				t := r.CompletedAt
				s.LastSuccessTime = &t
			}
		} else {
			s.FailedBackups++
		}
		if s.LastBackupTime == nil || r.CompletedAt.After(*s.LastBackupTime) {
			t := r.CompletedAt
			s.LastBackupTime = &t
		}
	}
	s.SuccessRate = SuccessRate(s.SuccessfulBackups, s.TotalBackups)
	return s
}
