// Package buildinfo carries version metadata stamped in at link time.
package buildinfo

// Version is overridden via -ldflags "-X weir/internal/buildinfo.Version=...".
var Version = "dev"
