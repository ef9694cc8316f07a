// This file is part of backup-orchestrator
//
// Copyright (C) 2020  BizFly Cloud
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/backupapi"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/manager"
	"github.com/bizflycloud/backup-orchestrator/pkg/retention"
)

func Test_restoreRequest(t *testing.T) {
	tests := []struct {
		name     string
		dest     int
		options  []string
		wantDest *int
		wantOpts map[string]string
		wantErr  bool
	}{
		{name: "agent picks destination", dest: -1},
		{name: "explicit destination", dest: 2, wantDest: intPtr(2)},
		{name: "options", dest: -1, options: []string{"database=restored", "path=/tmp/a=b"}, wantOpts: map[string]string{"database": "restored", "path": "/tmp/a=b"}},
		{name: "missing value separator", dest: -1, options: []string{"database"}, wantErr: true},
		{name: "empty key", dest: -1, options: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := restoreRequest(tt.dest, tt.options)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDest, got.Destination)
			assert.Equal(t, tt.wantOpts, got.Options)
		})
	}
}

func Test_listOptions(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := listOptions(backupapi.ListBackupsOptions{}, true, true, 0, now)
	assert.Error(t, err)

	got, err := listOptions(backupapi.ListBackupsOptions{JobID: "postgres"}, false, true, 24*time.Hour, now)
	require.NoError(t, err)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
	assert.Equal(t, "postgres", got.JobID)
	assert.True(t, got.Since.Equal(now.Add(-24*time.Hour)))

	got, err = listOptions(backupapi.ListBackupsOptions{}, false, false, 0, now)
	require.NoError(t, err)
	assert.Nil(t, got.Success)
	assert.True(t, got.Since.IsZero())
}

func Test_recordRow(t *testing.T) {
	row := recordRow(backup.Record{
		ID:         "rec-1",
		JobID:      "postgres",
		BackupType: backup.TypeFull,
		ErrorKind:  backup.KindTimeout,
		Size:       2048,
		Destinations: []backup.DestinationResult{
			{Type: "local", Success: true},
			{Type: "s3", Success: false},
		},
	})
	assert.Equal(t, "failed (timeout_error)", row[3])
	assert.Equal(t, "2.0 KiB", row[4])
	assert.Equal(t, "local", row[6])
}

func Test_retentionRows(t *testing.T) {
	report := &manager.RetentionReport{
		Plan: retention.Plan{
			Keep:   []retention.Decision{{RecordID: "new", Bucket: retention.BucketDaily}},
			Delete: []retention.Decision{{RecordID: "old"}, {RecordID: "stuck"}},
		},
		Failed: map[string]string{"stuck": "permission denied"},
	}
	rows := retentionRows(report)
	require.Len(t, rows, 3)
	assert.Equal(t, "keep", rows[0][4])
	assert.Equal(t, "delete", rows[1][4])
	assert.Equal(t, "failed: permission denied", rows[2][4])
}

func Test_redact(t *testing.T) {
	cfg := config.Default()
	cfg.Destinations = []config.Destination{{Type: "s3", Path: "bucket", Options: map[string]string{"region": "hn", "secretAccessKey": "s3cr3t"}}}
	cfg.StorageConfigs = []config.StorageConfig{{Type: "postgres", Options: map[string]string{"password": "pw", "host": "db"}}}

	out := redact(cfg)
	assert.Equal(t, "hn", out.Destinations[0].Options["region"])
	assert.Equal(t, "******", out.Destinations[0].Options["secretAccessKey"])
	assert.Equal(t, "******", out.StorageConfigs[0].Options["password"])
	assert.Equal(t, "db", out.StorageConfigs[0].Options["host"])
	assert.Equal(t, "s3cr3t", cfg.Destinations[0].Options["secretAccessKey"], "original is untouched")
}

func intPtr(i int) *int { return &i }
