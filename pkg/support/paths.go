package support

import (
	"os"
	"path/filepath"
)

// Paths groups the on-disk locations used by the agent.
type Paths struct {
	Log     string
	Catalog string
	Staging string
}

// DefaultPaths is CheckPath falling back to the temporary directory when the
// current user cannot be resolved.
func DefaultPaths() Paths {
	p, err := CheckPath()
	if err != nil {
		base := filepath.Join(os.TempDir(), "backup-orchestrator")
		return Paths{
			Log:     filepath.Join(base, "backup-orchestrator.log"),
			Catalog: filepath.Join(base, "catalog.json"),
			Staging: filepath.Join(base, "staging"),
		}
	}
	return p
}

// SocketAddr is the default unix socket the agent API listens on.
func SocketAddr() string {
	return "unix://" + filepath.Join(os.TempDir(), "backup-orchestrator.sock")
}
