// Package version derives the build version string reported by the API
// and startup logs. An -ldflags override wins over VCS build info; "dev"
// is the fallback for test and non-git builds.
package version

import "runtime/debug"

// AppName prefixes version strings.
const AppName = "flowgate"

// commitOverride is injected via -ldflags for container builds where .git
// is unavailable.
var commitOverride string

// GitCommit is the short commit hash, or "dev" when unknown.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "flowgate/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
