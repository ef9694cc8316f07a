package backupapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
)

func jobPath(id string, action ...string) string {
	p := "/jobs/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

// ListJobs returns the scheduled jobs.
func (c *Client) ListJobs(ctx context.Context) ([]scheduler.JobStatus, error) {
	var jobs []scheduler.JobStatus
	if err := c.call(ctx, http.MethodGet, "/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (*scheduler.JobStatus, error) {
	var j scheduler.JobStatus
	if err := c.call(ctx, http.MethodGet, jobPath(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// RunJob runs a job now and waits for its record.
func (c *Client) RunJob(ctx context.Context, id string) (*backup.Record, error) {
	var rec backup.Record
	if err := c.call(ctx, http.MethodPost, jobPath(id, "run"), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetJobEnabled enables or disables a job.
func (c *Client) SetJobEnabled(ctx context.Context, id string, enabled bool) (*scheduler.JobStatus, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var j scheduler.JobStatus
	if err := c.call(ctx, http.MethodPost, jobPath(id, action), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// RemoveJob unschedules a job.
func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, jobPath(id), nil, nil)
}
