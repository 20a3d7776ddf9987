// Package build holds values stamped in at link time.
package build

var (
	// ProjectName is the name of the binary.
	ProjectName = "polyquery"

	// Version is the release version, set with -ldflags "-X ...build.Version=v1.2.3".
	Version = "dev"

	// Commit is the git sha the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)
