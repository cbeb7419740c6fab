// Package version reports which freshcache build is running.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version, Commit and Date are set with -ldflags "-X". Builds made without
// them, such as go install, fall back to the module build info.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the resolved build identity.
type Info struct {
	Version string
	Commit  string
	Date    string
}

func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.Date)
}

// Get returns the link-time values, filled from the embedded build info
// where they were left at their defaults.
func Get() Info {
	bi, _ := debug.ReadBuildInfo()
	return resolve(bi)
}

func resolve(bi *debug.BuildInfo) Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}
	if bi == nil {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "none":
			info.Commit = s.Value
			if len(info.Commit) > 7 {
				info.Commit = info.Commit[:7]
			}
		case s.Key == "vcs.time" && info.Date == "unknown":
			info.Date = s.Value
		}
	}
	return info
}

// String is Get().String().
func String() string {
	return Get().String()
}

// Short returns the version tag alone.
func Short() string {
	return Get().Version
}
