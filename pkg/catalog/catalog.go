// Package catalog keeps the backup records and persists them to a single
// JSON or YAML file.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
)

const (
	dirMode = 0700

	FormatJSON = "json"
	FormatYAML = "yaml"
)

var (
	// ErrDuplicate is returned when a record id is appended twice.
	ErrDuplicate = errors.New("record already in catalog")
	// ErrPersist wraps a failed write. The in-memory change is kept and the
	// write is retried on the next mutation or Flush.
	ErrPersist = errors.New("persist catalog")
)

// document is the on-disk layout.
type document struct {
	Version int             `json:"version" yaml:"version"`
	Records []backup.Record `json:"records" yaml:"records"`
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	JobID       string
	StorageType string
	BackupType  backup.Type
	Success     *bool
	Since       time.Time
	Limit       int
}

func (f Filter) match(r *backup.Record) bool {
	switch {
	case f.JobID != "" && r.JobID != f.JobID:
		return false
	case f.StorageType != "" && r.StorageType != f.StorageType:
		return false
	case f.BackupType != "" && r.BackupType != f.BackupType:
		return false
	case f.Success != nil && r.Success != *f.Success:
		return false
	case !f.Since.IsZero() && r.CompletedAt.Before(f.Since):
		return false
	}
	return true
}

// Catalog is the record store. An empty path keeps records in memory only.
type Catalog struct {
	path   string
	format string

	mu      sync.RWMutex
	records []backup.Record
	index   map[string]int
	dirty   bool
}

// New returns a catalog persisted at path in the given format.
func New(path, format string) (*Catalog, error) {
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("unknown catalog format %q", format)
	}
	return &Catalog{path: path, format: format, index: map[string]int{}}, nil
}

// Load replaces the in-memory records with the persisted ones. A missing
// file yields an empty catalog.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}
	buf, err := ioutil.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc document
	if len(buf) > 0 {
		if err := c.unmarshal(buf, &doc); err != nil {
			return fmt.Errorf("decode catalog %s: %w", c.path, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = doc.Records
	c.reindex()
	return nil
}

func (c *Catalog) marshal(doc *document) ([]byte, error) {
	if c.format == FormatYAML {
		return yaml.Marshal(doc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (c *Catalog) unmarshal(buf []byte, doc *document) error {
	if c.format == FormatYAML {
		return yaml.Unmarshal(buf, doc)
	}
	return json.Unmarshal(buf, doc)
}

func (c *Catalog) reindex() {
	c.index = make(map[string]int, len(c.records))
	for i := range c.records {
		c.index[c.records[i].ID] = i
	}
}

// save writes records through a temp file renamed over the catalog. The
// caller holds the write lock.
func (c *Catalog) save(records []backup.Record) error {
	if c.path == "" {
		return nil
	}
	buf, err := c.marshal(&document{Version: 1, Records: records})
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}
	f, err := ioutil.TempFile(dir, ".catalog-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), c.path)
}

// persist saves the committed records and tracks whether the file lags
// behind memory. The caller holds the write lock.
func (c *Catalog) persist() error {
	if err := c.save(c.records); err != nil {
		c.dirty = true
		return fmt.Errorf("%w %s: %v", ErrPersist, c.path, err)
	}
	c.dirty = false
	return nil
}

// Append adds r and persists the catalog. The record stays in memory when
// persisting fails; the error then wraps ErrPersist.
func (c *Catalog) Append(r backup.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[r.ID]; ok {
		return fmt.Errorf("%s: %w", r.ID, ErrDuplicate)
	}
	c.records = append(c.records, r)
	c.index[r.ID] = len(c.records) - 1
	return c.persist()
}

// Remove deletes the records with the given ids and returns how many were
// removed. Like Append, the removal stays in memory when persisting fails.
func (c *Catalog) Remove(ids ...string) (int, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := make([]backup.Record, 0, len(c.records))
	for _, r := range c.records {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	removed := len(c.records) - len(kept)
	if removed == 0 {
		if c.dirty {
			return 0, c.persist()
		}
		return 0, nil
	}
	c.records = kept
	c.reindex()
	return removed, c.persist()
}

// Flush retries a write that failed earlier. It is a no-op when the file
// is current.
func (c *Catalog) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.persist()
}

// Dirty reports whether the last write failed.
func (c *Catalog) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Get returns the record with the given id.
func (c *Catalog) Get(id string) (backup.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return backup.Record{}, false
	}
	return c.records[i], true
}

// List returns the matching records, newest first.
func (c *Catalog) List(f Filter) []backup.Record {
	c.mu.RLock()
	out := make([]backup.Record, 0, len(c.records))
	for i := range c.records {
		if f.match(&c.records[i]) {
			out = append(out, c.records[i])
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// All returns every record in insertion order.
func (c *Catalog) All() []backup.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]backup.Record, len(c.records))
	copy(out, c.records)
	return out
}

// Statistics derives the statistics of the catalog.
func (c *Catalog) Statistics() backup.Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return backup.ComputeStatistics(c.records)
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
