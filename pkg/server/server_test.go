package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/broker"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination/local"
	"github.com/bizflycloud/backup-orchestrator/pkg/handler/filesystem"
	"github.com/bizflycloud/backup-orchestrator/pkg/health"
	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
	"github.com/bizflycloud/backup-orchestrator/pkg/orchestrator"
	"github.com/bizflycloud/backup-orchestrator/pkg/scheduler"
)

type fixture struct {
	dir    string
	src    string
	engine *orchestrator.Engine
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := ioutil.TempDir("", "server")
	require.NoError(t, err)
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello"), 0600))

	cfg := config.Default()
	cfg.DefaultSchedule.Cron = "0 2 * * *"
	cfg.Destinations = []config.Destination{{Type: local.Type, Path: filepath.Join(dir, "archive")}}
	cfg.StorageConfigs = []config.StorageConfig{{
		Type:        filesystem.Type,
		Enabled:     true,
		BackupType:  backup.TypeFull,
		Compression: backup.CompressionGzip,
		Options:     map[string]string{filesystem.OptionPath: src},
	}}
	cfg.Global.CatalogPath = filepath.Join(dir, "catalog.yaml")
	cfg.Global.MetadataFormat = config.MetadataYAML
	cfg.Global.StagingDir = filepath.Join(dir, "staging")

	e, err := orchestrator.Initialize(context.Background(), cfg)
	require.NoError(t, err)
	s, err := New(WithEngine(e), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	f := &fixture{dir: dir, src: src, engine: e, server: s, http: httptest.NewServer(s)}
	t.Cleanup(func() {
		f.http.Close()
		_ = orchestrator.Shutdown(context.Background(), e)
		os.RemoveAll(dir)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(WithAddr(":0"))
	assert.Error(t, err)
	_, err = New(WithEngine(nil))
	assert.Error(t, err)
}

func TestJobRoutes(t *testing.T) {
	f := newFixture(t)

	var jobs []scheduler.JobStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/jobs", "", &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, filesystem.Type, jobs[0].ID)
	assert.True(t, jobs[0].Enabled)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/redis", "", nil))

	var j scheduler.JobStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/jobs/filesystem/disable", "", &j))
	assert.False(t, j.Enabled)
	assert.Nil(t, j.NextRun)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/jobs/filesystem/enable", "", &j))
	assert.True(t, j.Enabled)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/jobs/filesystem", "", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/jobs/filesystem/run", "", nil))
}

func TestRunListAndRestore(t *testing.T) {
	f := newFixture(t)

	var rec backup.Record
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/jobs/filesystem/run", "", &rec))
	assert.True(t, rec.Success, rec.Error)
	assert.Equal(t, backup.TriggerManual, rec.Trigger)
	require.NotNil(t, rec.Verification)
	assert.True(t, rec.Verification.Passed)

	var records []backup.Record
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/backups?storage_type=filesystem&success=true", "", &records))
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/backups?limit=many", "", nil))

	var got backup.Record
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/backups/"+rec.ID, "", &got))
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/backups/missing", "", nil))

	restoreDir := filepath.Join(f.dir, "restored")
	body := `{"options":{"restorePath":"` + restoreDir + `"}}`
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/backups/"+rec.ID+"/restore", body, nil))
	b, err := ioutil.ReadFile(filepath.Join(restoreDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	var stats StatisticsResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/statistics", "", &stats))
	assert.Equal(t, 1, stats.Manager.TotalBackups)
	assert.Equal(t, 1, stats.Scheduler.TotalRuns)

	var report health.Report
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", &report))
	assert.True(t, report.Healthy)

	var preview manager.RetentionReport
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/retention", "", &preview))
	assert.False(t, preview.Applied)
	assert.Len(t, preview.Plan.Keep, 1)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metrics, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "backup_runs_total")
}

func TestHealthUnavailable(t *testing.T) {
	f := newFixture(t)
	var report health.Report
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", "", &report))
}

func TestServerEventHandler(t *testing.T) {
	f := newFixture(t)
	event := func(msg broker.Message) broker.Event {
		payload, err := json.Marshal(msg)
		require.NoError(t, err)
		return broker.Event{Topic: "backup-orchestrator/agent/commands", Payload: payload}
	}

	require.NoError(t, f.server.handleBrokerEvent(event(broker.Message{EventType: broker.JobDisable, JobID: filesystem.Type})))
	j, err := f.engine.Scheduler.Job(filesystem.Type)
	require.NoError(t, err)
	assert.False(t, j.Enabled)
	require.NoError(t, f.server.handleBrokerEvent(event(broker.Message{EventType: broker.JobEnable, JobID: filesystem.Type})))

	require.NoError(t, f.server.handleBrokerEvent(event(broker.Message{EventType: broker.BackupManual, JobID: filesystem.Type})))
	require.Eventually(t, func() bool {
		return f.engine.ManagerStatistics().SuccessfulBackups == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.server.handleBrokerEvent(event(broker.Message{EventType: broker.RetentionApply})))

	err = f.server.handleBrokerEvent(event(broker.Message{EventType: "agent_upgrade"}))
	assert.True(t, errors.Is(err, broker.ErrUnknownEventType))
	assert.Error(t, f.server.handleBrokerEvent(broker.Event{Payload: []byte("{")}))
	assert.Equal(t, scheduler.ErrUnknownJob,
		f.server.handleBrokerEvent(event(broker.Message{EventType: broker.JobEnable, JobID: "redis"})))
}

func TestServerRun(t *testing.T) {
	tests := []struct {
		addr string
	}{
		{"unix://" + filepath.Join(os.TempDir(), "backup-orchestrator-test-server.sock")},
		{"127.0.0.1:1810"},
	}
	for _, tc := range tests {
		f := newFixture(t)
		s, err := New(WithAddr(tc.addr), WithEngine(f.engine), WithShutdownTimeout(time.Second), WithLogger(zap.NewNop()))
		require.NoError(t, err)
		s.testSignalCh = make(chan os.Signal, 1)
		var serverError error
		done := make(chan struct{})
		go func() {
			serverError = s.Run()
			close(done)
		}()
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
		s.testSignalCh <- syscall.SIGTERM
		<-done
		assert.Equal(t, http.ErrServerClosed, serverError)
	}
}
