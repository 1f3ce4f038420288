// Package version holds the build-time version string reported to
// tracing and diagnostics. It is overridden at build time via
// -ldflags "-X github.com/wisbric/fleetctl/internal/version.Version=...".
package version

// Version is "dev" unless set by the release build.
var Version = "dev"
