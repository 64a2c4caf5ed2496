// Package version exposes the build version stamped in via ldflags.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/ehrlich-b/sling/internal/version.Version=v1.2.3".
var Version = "dev"
