// Package version provides the version string of the verdictd and verdictctl binaries.
package version

import (
	"runtime/debug"
	"strings"
)

// Version is the current release version, set with
// -ldflags "-X github.com/gobeyondidentity/verdict/internal/version.Version=1.2.0".
var Version = "dev"

// Commit is the VCS revision of the build. When not set through ldflags it
// is read from the build info stamped by the go command.
var Commit = ""

// String returns the version with a single 'v' prefix for display.
func String() string {
	return "v" + strings.TrimPrefix(Version, "v")
}

// Full returns String followed by the short commit when one is known,
// e.g. "v1.2.0 (3f2a9c1)".
func Full() string {
	c := revision()
	if c == "" {
		return String()
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return String() + " (" + c + ")"
}

func revision() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
