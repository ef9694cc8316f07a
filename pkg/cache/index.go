package cache

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Index describes every file of a source directory at backup time, keyed by
// slash separated path relative to the source.
type Index struct {
	JobID    string           `json:"job_id"`
	RecordID string           `json:"record_id"`
	Items    map[string]*Node `json:"items"`
}

func NewIndex(jobID string, recordID string) *Index {
	return &Index{
		JobID:    jobID,
		RecordID: recordID,
		Items:    make(map[string]*Node),
	}
}

type Node struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	Mode         os.FileMode `json:"mode,omitempty"`
	ModTime      time.Time   `json:"mtime,omitempty"`
	AccessTime   time.Time   `json:"atime,omitempty"`
	ChangeTime   time.Time   `json:"ctime,omitempty"`
	UID          uint32      `json:"uid"`
	GID          uint32      `json:"gid"`
	User         string      `json:"user,omitempty"`
	Size         uint64      `json:"size,omitempty"`
	LinkTarget   string      `json:"linktarget,omitempty"`
	RelativePath string      `json:"relative_path"`
}

// Changed reports whether node differs from the entry recorded under the
// same path. Paths absent from the index are changed.
func (idx *Index) Changed(node *Node) bool {
	if idx == nil {
		return true
	}
	prev, ok := idx.Items[node.RelativePath]
	if !ok {
		return true
	}
	return prev.Type != node.Type ||
		prev.Size != node.Size ||
		prev.Mode != node.Mode ||
		!prev.ModTime.Equal(node.ModTime) ||
		prev.LinkTarget != node.LinkTarget
}

// Removed lists the paths of idx missing from current, sorted.
func (idx *Index) Removed(current *Index) []string {
	if idx == nil {
		return nil
	}
	var out []string
	for p := range idx.Items {
		if _, ok := current.Items[p]; !ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// NodeFromFileInfo describes pathName, a file under rootPath.
func NodeFromFileInfo(rootPath string, pathName string, fi os.FileInfo) (*Node, error) {
	rel, err := filepath.Rel(rootPath, pathName)
	if err != nil {
		return nil, err
	}
	node := &Node{
		Name:         fi.Name(),
		Mode:         fi.Mode() & os.ModePerm,
		ModTime:      fi.ModTime().UTC(),
		Size:         uint64(fi.Size()),
		RelativePath: filepath.ToSlash(rel),
	}

	switch fi.Mode() & (os.ModeType | os.ModeCharDevice) {
	case 0:
		node.Type = "file"
	case os.ModeDir:
		node.Type = "dir"
		node.Size = 0
	case os.ModeSymlink:
		node.Type = "symlink"
		if node.LinkTarget, err = os.Readlink(pathName); err != nil {
			return nil, err
		}
	default:
		node.Type = "other"
	}

	node.fillExtra(fi)
	return node, nil
}
