// Package version carries the build identity stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Overridden with -ldflags -X for release builds; a plain go build
// stays "dev".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the one-line build identity used by logs, the API
// snapshot, and telemetry resource attributes.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// Runtime reports the toolchain and platform the binary was built for.
func Runtime() string {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
