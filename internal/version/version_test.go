package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	origV, origSHA, origDate := Version, CommitSHA, BuildDate
	t.Cleanup(func() { Version, CommitSHA, BuildDate = origV, origSHA, origDate })

	Version, CommitSHA = "v1.2.0", "abc1234"
	if got := String(); !strings.HasPrefix(got, "v1.2.0 (commit abc1234, go") {
		t.Errorf("String() = %q", got)
	}

	BuildDate = "2026-03-01"
	if got := String(); !strings.Contains(got, ", built 2026-03-01, ") {
		t.Errorf("String() = %q", got)
	}
}
