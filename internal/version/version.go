// Package version carries the build identity stamped at link time via
// -ldflags "-X github.com/lowbit-ml/lowbit/internal/version.Version=...".
package version

import "time"

var (
	// Version is the release version.
	Version = ""
	// Commit is the git commit hash.
	Commit = ""
	// BuildTime is the build timestamp.
	BuildTime = ""
)

// Info is the resolved build identity reported by the version command.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Resolve fills in the version for unstamped builds: the build time when
// present, otherwise a dev marker derived from the current UTC time.
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	switch {
	case info.Version != "":
	case info.BuildTime != "":
		info.Version = info.BuildTime
	default:
		info.Version = "dev-" + time.Now().UTC().Format("20060102T150405Z")
	}
	return info
}

// String renders the one-line form used in logs: the version, with a
// shortened commit hash when one was stamped.
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	commit := info.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return info.Version + " (" + commit + ")"
}
