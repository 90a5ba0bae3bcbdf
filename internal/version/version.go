// Package version carries the build identity stamped in by -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/occlusion.dataset/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build identity of the named command.
func String(cmd string) string {
	return fmt.Sprintf("%s %s (%s, built %s)", cmd, Version, GitSHA, BuildTime)
}
