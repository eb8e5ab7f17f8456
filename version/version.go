// Package version provides build-time version information for cmapd.
//
// Values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/cmap/version.Version=1.0.0 \
//	  -X github.com/go-i2p/cmap/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "dev", falling back to the module version and VCS
// revision recorded by the Go toolchain when they are available.
package version

import (
	"runtime"
	"runtime/debug"
)

// Version is the software version, set at build time via ldflags.
var Version = "dev"

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = ""

// BuildTime is when the binary was built, set at build time via ldflags.
var BuildTime = ""

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Full returns the version string including commit and build time if available.
func Full() string {
	v, commit := resolve()
	if commit != "" {
		v += "-" + commit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// UserAgent identifies cmapd in logs and metrics labels.
func UserAgent() string {
	v, _ := resolve()
	return "cmapd/" + v
}

// Labels returns the build information as metric labels.
func Labels() map[string]string {
	v, commit := resolve()
	return map[string]string{
		"version":    v,
		"commit":     commit,
		"go_version": runtime.Version(),
	}
}

func resolve() (version, commit string) {
	version, commit = Version, GitCommit
	if version != "dev" && commit != "" {
		return version, commit
	}
	info, ok := readBuildInfo()
	if !ok {
		return version, commit
	}
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	if commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				commit = s.Value
				if len(commit) > 7 {
					commit = commit[:7]
				}
			}
		}
	}
	return version, commit
}
