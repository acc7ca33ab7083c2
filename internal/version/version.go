package version

import (
	"fmt"
)

// Populated via -ldflags at release build time
var (
	Version    string
	CommitHash string
)

func GetVersionString() string {
	if Version == "" {
		return fmt.Sprintf("devel (commit %s)", CommitHash)
	}
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}
