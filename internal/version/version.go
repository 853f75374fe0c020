package version

// Version is the current version of peer-meet.
// This value can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/codealchemist/peer-meet/internal/version.Version=v1.0.0'"
var Version = "dev"
