// Package build carries the values stamped in at link time.
package build

var (
	// Version is overridden via -ldflags at release time.
	Version = "dev"
	// AppName is the binary and config directory name.
	AppName = "dagobah"
)
