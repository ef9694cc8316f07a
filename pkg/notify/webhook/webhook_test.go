package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/notify"
)

func TestNotify(t *testing.T) {
	var calls int32
	var got notify.Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	w, err := New(ts.URL, WithRetry(2, time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Notify(context.Background(), notify.Event{Type: notify.BackupFailed, RecordID: "r1", Error: "boom"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "r1", got.RecordID)
	assert.Equal(t, notify.BackupFailed, got.Type)
}

func TestNotifyClientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	w, err := New(ts.URL, WithRetry(0, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	assert.Error(t, w.Notify(context.Background(), notify.Event{Type: notify.BackupSucceeded}))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
