// Package version holds the engine version used for CLI output and
// adapter compatibility constraints.
package version

// Version is the engine version. Overridden at build time via
// -ldflags "-X github.com/teranos/intake/version.Version=...".
var Version = "0.3.0"
