package httpserver

import "runtime/debug"

// ResolveBuildInfo prefers ldflags-injected values and falls back to the VCS
// stamps in the Go build info (useful for `go run` / dev builds).
func ResolveBuildInfo(commit, buildTime string) BuildInfo {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return BuildInfo{Commit: commit, BuildTime: buildTime}
}
