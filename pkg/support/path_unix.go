//go:build linux
// +build linux

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
			Catalog: "/var/lib/backup-orchestrator/catalog.json",
			Staging: "/var/lib/backup-orchestrator/staging",
		}, nil
	}

	base := filepath.Join(currentUser.HomeDir, ".backup-orchestrator")
	return Paths{
		Log:     filepath.Join(base, "log", "backup-orchestrator.log"),
		Catalog: filepath.Join(base, "catalog.json"),
		Staging: filepath.Join(base, "staging"),
	}, nil
}
