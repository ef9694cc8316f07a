package catalog

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
)

func sampleRecords(base time.Time) []backup.Record {
	return []backup.Record{
		{ID: "a", JobID: "postgres", StorageType: "postgres", BackupType: backup.TypeFull, Success: true, Size: 10, StartedAt: base, CompletedAt: base.Add(time.Minute),
			Verification: &backup.VerificationResult{Passed: true, Checks: []backup.CheckResult{{Type: backup.VerifySize, Passed: true}}, VerifiedAt: base.Add(time.Minute)}},
		{ID: "b", JobID: "postgres", StorageType: "postgres", BackupType: backup.TypeFull, Success: false, Error: "boom", ErrorKind: backup.KindBackup, StartedAt: base.Add(time.Hour), CompletedAt: base.Add(time.Hour + time.Minute)},
		{ID: "c", JobID: "filesystem", StorageType: "filesystem", BackupType: backup.TypeIncremental, Success: true, Size: 5, StartedAt: base.Add(2 * time.Hour), CompletedAt: base.Add(2*time.Hour + time.Minute),
			Destinations: []backup.DestinationResult{{Type: "local", Path: "/srv", ArtifactID: "c.zip", Success: true}}},
	}
}

func TestPersistRoundTrip(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatYAML} {
		t.Run(format, func(t *testing.T) {
			dir, err := ioutil.TempDir("", "catalog")
			require.NoError(t, err)
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "nested", "catalog."+format)

			c, err := New(path, format)
			require.NoError(t, err)
			require.NoError(t, c.Load())
			assert.Equal(t, 0, c.Len())

			base := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)
			for _, r := range sampleRecords(base) {
				require.NoError(t, c.Append(r))
			}

			reloaded, err := New(path, format)
			require.NoError(t, err)
			require.NoError(t, reloaded.Load())
			require.Equal(t, 3, reloaded.Len())

			got, ok := reloaded.Get("a")
			require.True(t, ok)
			assert.True(t, got.CompletedAt.Equal(base.Add(time.Minute)))
			require.NotNil(t, got.Verification)
			assert.True(t, got.Verification.Passed)

			got, ok = reloaded.Get("c")
			require.True(t, ok)
			require.Len(t, got.Destinations, 1)
			assert.Equal(t, "c.zip", got.Destinations[0].ArtifactID)
		})
	}
}

func TestAppendRejectsDuplicate(t *testing.T) {
	c, err := New("", "")
	require.NoError(t, err)
	require.NoError(t, c.Append(backup.Record{ID: "x"}))
	err = c.Append(backup.Record{ID: "x"})
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, c.Len())
}

func TestAppendKeepsRecordWhenPersistFails(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "catalog.json")

	c, err := New(path, FormatJSON)
	require.NoError(t, err)
	require.NoError(t, c.Load())

	// A directory in place of the file makes every rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0700))

	base := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)
	rec := sampleRecords(base)[1]
	err = c.Append(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersist))
	assert.True(t, c.Dirty())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Statistics().TotalBackups)
	_, ok := c.Get(rec.ID)
	assert.True(t, ok)

	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, c.Flush())
	assert.False(t, c.Dirty())

	reloaded, err := New(path, FormatJSON)
	require.NoError(t, err)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 1, reloaded.Len())
}

func TestListAndRemove(t *testing.T) {
	c, err := New("", FormatJSON)
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)
	for _, r := range sampleRecords(base) {
		require.NoError(t, c.Append(r))
	}

	all := c.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	success := true
	ok := c.List(Filter{StorageType: "postgres", Success: &success})
	require.Len(t, ok, 1)
	assert.Equal(t, "a", ok[0].ID)

	assert.Len(t, c.List(Filter{Limit: 2}), 2)
	assert.Len(t, c.List(Filter{Since: base.Add(90 * time.Minute)}), 1)

	n, err := c.Remove("a", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, found := c.Get("a")
	assert.False(t, found)
	_, found = c.Get("c")
	assert.True(t, found)

	stats := c.Statistics()
	assert.Equal(t, 2, stats.TotalBackups)
	assert.Equal(t, float64(50), stats.SuccessRate)
}

func TestUnknownFormat(t *testing.T) {
	_, err := New("x", "xml")
	assert.Error(t, err)
}
