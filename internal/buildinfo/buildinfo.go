// Package buildinfo carries the version stamp injected at build time via
// -ldflags -X, replacing original_source/update_version.py's file-rewrite
// approach with the idiomatic Go convention (pepperpark-gomap's
// version/commit/date vars).
package buildinfo

import "fmt"

// Set via: go build -ldflags "-X .../internal/buildinfo.Version=... -X .../internal/buildinfo.Commit=... -X .../internal/buildinfo.Date=..."
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// String renders a one-line version string for --version.
func String() string {
	s := fmt.Sprintf("mailreap %s", Version)
	if Commit != "" {
		s += fmt.Sprintf(" (%s)", Commit)
	}
	if Date != "" {
		s += fmt.Sprintf(" built %s", Date)
	}
	return s
}
