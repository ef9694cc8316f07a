//go:build darwin
// +build darwin

package support

import (
	"os/user"
	"path/filepath"
)

// CheckPath returns the default locations of the log file, record catalog and
// staging directory for the current user.
func CheckPath() (Paths, error) {
	currentUser, err := user.Current()
	if err != nil {
		return Paths{}, err
	}

	if currentUser.Username == "root" {
		return Paths{
			Log:     "/var/log/backup-orchestrator/backup-orchestrator.log",
			Catalog: "/usr/local/var/backup-orchestrator/catalog.json",
			Staging: "/usr/local/var/backup-orchestrator/staging",
		}, nil
	}

	base := filepath.Join(currentUser.HomeDir, "Library", "Application Support", "backup-orchestrator")
	return Paths{
		Log:     filepath.Join(currentUser.HomeDir, "Library", "Logs", "backup-orchestrator.log"),
		Catalog: filepath.Join(base, "catalog.json"),
		Staging: filepath.Join(base, "staging"),
	}, nil
}
