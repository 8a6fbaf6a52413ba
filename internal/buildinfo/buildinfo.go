// Package buildinfo reports what binary is running. Release builds stamp
// the variables below via -ldflags; plain `go install` builds fall back to
// the module version and VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fillFromBuildInfo(bi)
}

// fillFromBuildInfo replaces unstamped values with what the toolchain
// recorded. Stamped values always win.
func fillFromBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	var revision, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		}
	}
	if GitCommit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if modified == "true" {
			revision += "-dirty"
		}
		GitCommit = revision
	}
}

// Info returns build and runtime info as a map, as printed by the
// version command and logged at startup.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, whole seconds. The bridge
// status device publishes it.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary.
func String() string {
	return fmt.Sprintf("rtl433-discovery %s (%s) built %s %s/%s",
		Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
