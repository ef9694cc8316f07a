package backupapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/health"
	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
	"github.com/bizflycloud/backup-orchestrator/pkg/server"
)

var (
	client *Client
	mux    *http.ServeMux
	srv    *httptest.Server
)

func setUp() {
	mux = http.NewServeMux()
	srv = httptest.NewServer(mux)

	client, _ = NewClient()
	serverURL, _ := url.Parse(srv.URL)
	client.ServerURL = serverURL
}

func tearDown() {
	srv.Close()
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		opt        ClientOption
		wantErr    bool
		assertFunc func(c *Client) bool
	}{
		{"valid http client", WithHTTPClient(http.DefaultClient), false, func(c *Client) bool { return c.client == http.DefaultClient }},
		{"nil http client", WithHTTPClient(nil), true, nil},
		{"valid server url", WithServerURL("https://foo.bar/api/v1"), false, func(c *Client) bool { return c.ServerURL.Host == "foo.bar" && c.ServerURL.Path == "/api/v1" }},
		{"invalid server url", WithServerURL("https://:foo.bar/api/v1"), true, nil},
		{"tcp addr", WithAddr("http://127.0.0.1:1810"), false, func(c *Client) bool { return c.ServerURL.Host == "127.0.0.1:1810" }},
		{"unix addr", WithAddr("unix:///tmp/agent.sock"), false, func(c *Client) bool { return c.ServerURL.String() == unixServerURLString }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewClient(tc.opt)
			requireFunc := require.NoError
			if tc.wantErr {
				requireFunc = require.Error
			}
			requireFunc(t, err)
			if tc.assertFunc != nil {
				assert.True(t, tc.assertFunc(c))
			}
		})
	}
}

func TestUrlStringFromRelPath(t *testing.T) {
	c, err := NewClient(WithServerURL("http://agent/api"))
	require.NoError(t, err)
	got, err := c.urlStringFromRelPath("/jobs/postgres/run")
	require.NoError(t, err)
	assert.Equal(t, "http://agent/api/jobs/postgres/run", got)
}

func TestJobs(t *testing.T) {
	setUp()
	defer tearDown()

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		writeJSON(t, w, http.StatusOK, []scheduler.JobStatus{{ID: "postgres", Enabled: true}})
	})
	mux.HandleFunc("/jobs/postgres/disable", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(t, w, http.StatusOK, scheduler.JobStatus{ID: "postgres"})
	})
	mux.HandleFunc("/jobs/postgres/run", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(t, w, http.StatusOK, backup.Record{ID: "rec-1", JobID: "postgres", Success: true})
	})
	mux.HandleFunc("/jobs/redis/run", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusConflict, server.ErrorResponse{Error: "job redis is running", Kind: backup.KindConflict})
	})
	mux.HandleFunc("/jobs/mysql", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, server.ErrorResponse{Error: "unknown job"})
	})
	mux.HandleFunc("/jobs/postgres", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	jobs, err := client.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "postgres", jobs[0].ID)

	j, err := client.SetJobEnabled(ctx, "postgres", false)
	require.NoError(t, err)
	assert.False(t, j.Enabled)

	rec, err := client.RunJob(ctx, "postgres")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)

	_, err = client.RunJob(ctx, "redis")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backup.ErrConflict))

	_, err = client.GetJob(ctx, "mysql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")

	require.NoError(t, client.RemoveJob(ctx, "postgres"))
}

func TestBackupsAndRetention(t *testing.T) {
	setUp()
	defer tearDown()

	at := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	mux.HandleFunc("/backups", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "postgres", q.Get("storage_type"))
		assert.Equal(t, "true", q.Get("success"))
		assert.Equal(t, "5", q.Get("limit"))
		writeJSON(t, w, http.StatusOK, []backup.Record{{ID: "rec-1", CompletedAt: at}})
	})
	mux.HandleFunc("/backups/rec-1/restore", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body server.RestoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.Destination)
		assert.Equal(t, 1, *body.Destination)
		assert.Equal(t, "restored", body.Options["database"])
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/retention/apply", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, manager.RetentionReport{Applied: true, Deleted: []string{"old"}})
	})

	ctx := context.Background()
	success := true
	records, err := client.ListBackups(ctx, ListBackupsOptions{StorageType: "postgres", Success: &success, Limit: 5})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].CompletedAt.Equal(at))

	dest := 1
	require.NoError(t, client.Restore(ctx, "rec-1", server.RestoreRequest{Destination: &dest, Options: map[string]string{"database": "restored"}}))

	report, err := client.ApplyRetention(ctx)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, []string{"old"}, report.Deleted)
}

func TestHealthUnhealthyIsNotAnError(t *testing.T) {
	setUp()
	defer tearDown()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusServiceUnavailable, health.Report{
			Healthy: false,
			Details: &health.Details{Reasons: []string{"backups are disabled"}},
		})
	})

	report, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.NotNil(t, report.Details)
	assert.Equal(t, []string{"backups are disabled"}, report.Details.Reasons)
}

func TestUnixSocket(t *testing.T) {
	dir, err := ioutil.TempDir("", "backupapi")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "agent.sock")

	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	m := http.NewServeMux()
	m.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, server.StatisticsResponse{Scheduler: scheduler.Statistics{TotalJobs: 2}})
	})
	hs := &http.Server{Handler: m}
	go func() { _ = hs.Serve(l) }()
	defer hs.Close()

	c, err := NewClient(WithAddr("unix://" + sock))
	require.NoError(t, err)
	stats, err := c.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scheduler.TotalJobs)
}
