// Package version holds the build version string.
package version

// Version is the current release version. Overridden at build time via
// -ldflags "-X atlas/pkg/version.Version=...".
var Version = "1.0.0"
