// Package cache keeps the file index of the last backups of a job so
// incremental and differential runs can tell which files changed.
package cache

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
)

const (
	dirMode  = 0700
	tempPath = "tmp"
)

// Repository holds the indexes of one job under path/<job id>.
type Repository struct {
	path  string
	jobID string
}

type Type int

const (
	// FULL is the index taken by the last full backup.
	FULL Type = iota
	// LATEST is the index taken by the last backup of any type.
	LATEST
)

func (t Type) String() string {
	switch t {
	case FULL:
		return "full.json"
	case LATEST:
		return "latest.json"
	}

	panic(fmt.Sprintf("unknown type %d", t))
}

// NewRepository creates the repository of jobID at the given path.
func NewRepository(path string, jobID string) (*Repository, error) {
	if jobID == "" {
		return nil, fmt.Errorf("cache: empty job id")
	}
	r := &Repository{
		path:  path,
		jobID: jobID,
	}

	if err := r.create(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Repository) create() error {
	dirs := []string{
		r.path,
		filepath.Join(r.path, r.jobID, tempPath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return err
		}
	}

	return nil
}

// Return temp file in correct directory for this repository.
func (r *Repository) tempFile() (*os.File, error) {
	return ioutil.TempFile(filepath.Join(r.path, r.jobID, tempPath), "temp-")
}

// Construct path for given Type.
func (r *Repository) filename(t Type) string {
	return filepath.Join(r.path, r.jobID, t.String())
}

// SaveIndex replaces the index of type t.
func (r *Repository) SaveIndex(t Type, index *Index) error {
	buf, err := json.Marshal(index)
	if err != nil {
		return err
	}
	f, err := r.tempFile()
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), r.filename(t))
}

// LoadIndex returns the index of type t, or nil when none was saved yet.
func (r *Repository) LoadIndex(t Type) (*Index, error) {
	buf, err := ioutil.ReadFile(r.filename(t))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var index Index
	if err := json.Unmarshal(buf, &index); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.filename(t), err)
	}
	if index.Items == nil {
		index.Items = make(map[string]*Node)
	}
	return &index, nil
}
