package cache

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "cache")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, err = NewRepository(dir, "")
	assert.Error(t, err)

	r, err := NewRepository(dir, "filesystem")
	require.NoError(t, err)

	idx, err := r.LoadIndex(LATEST)
	require.NoError(t, err)
	assert.Nil(t, idx)

	mtime := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	saved := NewIndex("filesystem", "rec-1")
	saved.Items["a.txt"] = &Node{Name: "a.txt", Type: "file", Size: 5, ModTime: mtime, RelativePath: "a.txt"}
	require.NoError(t, r.SaveIndex(LATEST, saved))

	got, err := r.LoadIndex(LATEST)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rec-1", got.RecordID)
	require.Contains(t, got.Items, "a.txt")
	assert.True(t, got.Items["a.txt"].ModTime.Equal(mtime))

	full, err := r.LoadIndex(FULL)
	require.NoError(t, err)
	assert.Nil(t, full, "types are stored separately")

	tmp, err := ioutil.ReadDir(filepath.Join(dir, "filesystem", tempPath))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestChangedAndRemoved(t *testing.T) {
	mtime := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	base := func() *Node {
		return &Node{Type: "file", Size: 5, Mode: 0644, ModTime: mtime, RelativePath: "a.txt"}
	}
	prev := NewIndex("fs", "rec-1")
	prev.Items["a.txt"] = base()
	prev.Items["gone.txt"] = &Node{Type: "file", RelativePath: "gone.txt"}

	tests := []struct {
		name   string
		mutate func(n *Node)
		want   bool
	}{
		{"unchanged", func(n *Node) {}, false},
		{"size", func(n *Node) { n.Size = 6 }, true},
		{"mtime", func(n *Node) { n.ModTime = mtime.Add(time.Second) }, true},
		{"mode", func(n *Node) { n.Mode = 0600 }, true},
		{"new path", func(n *Node) { n.RelativePath = "b.txt" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := base()
			tt.mutate(n)
			assert.Equal(t, tt.want, prev.Changed(n))
		})
	}

	var none *Index
	assert.True(t, none.Changed(base()))

	cur := NewIndex("fs", "rec-2")
	cur.Items["a.txt"] = base()
	assert.Equal(t, []string{"gone.txt"}, prev.Removed(cur))
	assert.Nil(t, none.Removed(cur))
}

func TestNodeFromFileInfo(t *testing.T) {
	dir, err := ioutil.TempDir("", "cache")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	p := filepath.Join(dir, "nested", "a.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, ioutil.WriteFile(p, []byte("alpha"), 0644))
	fi, err := os.Lstat(p)
	require.NoError(t, err)

	n, err := NodeFromFileInfo(dir, p, fi)
	require.NoError(t, err)
	assert.Equal(t, "nested/a.txt", n.RelativePath)
	assert.Equal(t, "file", n.Type)
	assert.Equal(t, uint64(5), n.Size)
}
