// Package version reports the rpsota build.
package version

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/rpsota/rpsota/internal/version.VERSION=1.0.0 -X github.com/rpsota/rpsota/internal/version.Commit=abc123" ./cmd/rpsota
var (
	VERSION = "dev"
	Commit  = "dev"
)
