package version

import "fmt"

// Application is the human-facing name of this server binary.
const Application = "drift"

// These are stamped at build time via -ldflags; the defaults identify a
// locally built development binary.
var (
	Version  = "0.0.0"
	BuildNum = "dev"
	Revision = "unknown"
)

func WithBuildNumberAndRevision() string {
	return fmt.Sprintf("%s-%s (%s)", Version, BuildNum, Revision)
}
