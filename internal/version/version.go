// Package version contains build version information.
package version

// Version is the current application version.
// This value is updated automatically by Release Please.
var Version = "0.0.0"

// GitCommit is the git commit hash.
// This value is set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build date.
// This value is set at build time via ldflags.
var BuildDate = "unknown"

// Info is the build information served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
	}
}

// String formats the build information for the version command.
func (i Info) String() string {
	return "problem-relay " + i.Version + " (commit " + i.Commit + ", built " + i.BuildDate + ")"
}
