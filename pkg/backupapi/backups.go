package backupapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/health"
	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
	"github.com/bizflycloud/backup-orchestrator/pkg/server"
)

// ListBackupsOptions filters ListBackups. Zero fields match everything.
type ListBackupsOptions struct {
	JobID       string
	StorageType string
	BackupType  backup.Type
	Success     *bool
	Since       time.Time
	Limit       int
}

func (o ListBackupsOptions) query() string {
	q := url.Values{}
	if o.JobID != "" {
		q.Set("job", o.JobID)
	}
	if o.StorageType != "" {
		q.Set("storage_type", o.StorageType)
	}
	if o.BackupType != "" {
		q.Set("backup_type", string(o.BackupType))
	}
	if o.Success != nil {
		q.Set("success", strconv.FormatBool(*o.Success))
	}
	if !o.Since.IsZero() {
		q.Set("since", o.Since.Format(time.RFC3339))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListBackups returns the recorded runs, newest first.
func (c *Client) ListBackups(ctx context.Context, opts ListBackupsOptions) ([]backup.Record, error) {
	var records []backup.Record
	if err := c.call(ctx, http.MethodGet, "/backups"+opts.query(), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetBackup returns one record.
func (c *Client) GetBackup(ctx context.Context, id string) (*backup.Record, error) {
	var rec backup.Record
	if err := c.call(ctx, http.MethodGet, "/backups/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Restore restores a record through its storage handler.
func (c *Client) Restore(ctx context.Context, id string, req server.RestoreRequest) error {
	return c.call(ctx, http.MethodPost, "/backups/"+url.PathEscape(id)+"/restore", req, nil)
}

// PreviewRetention shows what a retention pass would delete.
func (c *Client) PreviewRetention(ctx context.Context) (*manager.RetentionReport, error) {
	var r manager.RetentionReport
	if err := c.call(ctx, http.MethodGet, "/retention", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ApplyRetention runs a retention pass.
func (c *Client) ApplyRetention(ctx context.Context) (*manager.RetentionReport, error) {
	var r manager.RetentionReport
	if err := c.call(ctx, http.MethodPost, "/retention/apply", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Statistics returns the manager and scheduler counters.
func (c *Client) Statistics(ctx context.Context) (*server.StatisticsResponse, error) {
	var s server.StatisticsResponse
	if err := c.call(ctx, http.MethodGet, "/statistics", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health returns the health report of the agent. An unhealthy agent is not
// an error.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		if err := checkResponse(resp); err != nil {
			return nil, err
		}
	}
	var r health.Report
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
