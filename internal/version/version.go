// Package version carries build metadata stamped in by the linker:
//
//	go build -ldflags "-X github.com/j5a-ops/j5a/internal/version.Version=v1.0.0 \
//	  -X github.com/j5a-ops/j5a/internal/version.CommitSHA=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

// String is the one-line version shown by "j5a --version".
func String() string {
	s := fmt.Sprintf("%s (commit %s", Version, CommitSHA)
	if BuildDate != "unknown" {
		s += ", built " + BuildDate
	}
	return s + ", " + runtime.Version() + ")"
}
