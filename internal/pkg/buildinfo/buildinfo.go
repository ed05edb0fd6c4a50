// Package buildinfo holds version information injected at link time:
//
//	go build -ldflags "-X certbot_deployer/internal/pkg/buildinfo.Version=1.2.0"
package buildinfo

// Build information variables, set via -ldflags -X.
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

// Info is the structured form of the build variables.
type Info struct {
	Version    string `json:"version" yaml:"version"`
	CommitHash string `json:"commit_hash" yaml:"commit_hash"`
	BuildTime  string `json:"build_time" yaml:"build_time"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
	}
}
