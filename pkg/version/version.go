package version

import (
	"fmt"
	"runtime"
)

// Overridden at link time with -X; the values below describe an ad-hoc
// `go build` outside of the release pipeline.
var (
	version      = "v0.0.0-dev"
	gitBranch    = "unknown"
	gitCommit    = "unknown"
	gitTreeState = "unknown"
	buildDate    = "1970-01-01T00:00:00Z"
)

type Info struct {
	Version      string `json:"version"`
	GitBranch    string `json:"gitBranch"`
	GitCommit    string `json:"gitCommit"`
	GitTreeState string `json:"gitTreeState"`
	BuildDate    string `json:"buildDate"`
	GoVersion    string `json:"goVersion"`
	Compiler     string `json:"compiler"`
	Platform     string `json:"platform"`
}

// String returns info as a human-friendly version string.
func (info Info) String() string {
	return fmt.Sprintf("%s (branch: %s, commit: %s, tree: %s, built: %s, %s %s)",
		info.Version, info.GitBranch, info.GitCommit, info.GitTreeState,
		info.BuildDate, info.GoVersion, info.Platform)
}

// Get returns the overall codebase version.
func Get() Info {
	return Info{
		Version:      version,
		GitBranch:    gitBranch,
		GitCommit:    gitCommit,
		GitTreeState: gitTreeState,
		BuildDate:    buildDate,
		GoVersion:    runtime.Version(),
		Compiler:     runtime.Compiler,
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
