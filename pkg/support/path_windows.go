package support

// CheckPath returns the default locations of the log file, record catalog and
// staging directory.
func CheckPath() (Paths, error) {
	return Paths{
		Log:     "C:\\Program Files\\backup-orchestrator\\log\\backup-orchestrator.log",
		Catalog: "C:\\Program Files\\backup-orchestrator\\lib\\catalog.json",
		Staging: "C:\\Program Files\\backup-orchestrator\\lib\\staging",
	}, nil
}
