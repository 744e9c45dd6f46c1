// Package layout computes the on-disk shape of a run: the run directory
// name, per-folder subdirectory sanitation, atomic message writes, and
// the sidecar summary file.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haldorsen/mailreap/internal/model"
)

var illegalChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// RunDirName builds "<user>_<domain>_<start-or-Start>_<end-or-today>",
// matching the naming original_source/email_downloader.py derives for
// its base_name.
func RunDirName(email, domain string, start, end *time.Time) string {
	user := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		user = email[:at]
	}

	startPart := "Start"
	if start != nil {
		startPart = start.Format("20060102")
	}

	endPart := time.Now().Format("20060102")
	if end != nil {
		endPart = end.Format("20060102")
	}

	return fmt.Sprintf("%s_%s_%s_%s", user, domain, startPart, endPart)
}

// Sanitizer strips the cosmetic "INBOX." / "INBOX/" prefix from
// non-INBOX folder names and replaces any character outside
// [A-Za-z0-9._-] with "_". Because stripping the prefix can collide two
// distinct server folders onto the same local segment (spec.md's first
// Open Question), it tracks every mapping it has produced and appends a
// short numeric suffix the second time a sanitized name recurs for a
// different original folder.
type Sanitizer struct {
	mu       sync.Mutex
	seen     map[string]string // sanitized -> first original folder claiming it
	assigned map[string]string // original folder -> final sanitized segment
}

// NewSanitizer returns a ready-to-use Sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		seen:     make(map[string]string),
		assigned: make(map[string]string),
	}
}

// Segment returns the directory segment for folder, stable for the
// lifetime of the Sanitizer and collision-safe.
func (s *Sanitizer) Segment(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seg, ok := s.assigned[folder]; ok {
		return seg
	}

	base := sanitizeBase(folder)
	seg := base
	if owner, exists := s.seen[seg]; exists && owner != folder {
		for i := 2; ; i++ {
			candidate := fmt.Sprintf("%s_%d", base, i)
			if _, taken := s.seen[candidate]; !taken {
				seg = candidate
				break
			}
		}
	}

	s.seen[seg] = folder
	s.assigned[folder] = seg
	return seg
}

func sanitizeBase(folder string) string {
	stripped := folder
	lower := strings.ToLower(folder)
	switch {
	case strings.HasPrefix(lower, "inbox.") && lower != "inbox":
		stripped = folder[len("INBOX."):]
	case strings.HasPrefix(lower, "inbox/") && lower != "inbox":
		stripped = folder[len("INBOX/"):]
	}
	return illegalChar.ReplaceAllString(stripped, "_")
}

// MessagePath returns the path a task's .eml file should be written to.
func MessagePath(runDir, folderSegment string, uid uint32) string {
	return filepath.Join(runDir, folderSegment, fmt.Sprintf("email_%s_%d.eml", folderSegment, uid))
}

// EnsureDir creates dir (and parents) unless dry is set.
func EnsureDir(dir string, dry bool) error {
	if dry {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// AtomicWrite writes data to path by first writing a sibling ".tmp" file
// and renaming it into place, so a crash mid-write never leaves a
// partial .eml at its final path.
func AtomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteSummary renders a RunSummary to the sidecar text file alongside
// the run directory.
func WriteSummary(path string, s model.RunSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Endpoint: %s:%d (ssl=%v)\n", s.Endpoint.Host, s.Endpoint.Port, s.Endpoint.SSL)
	fmt.Fprintf(&b, "Downloaded: %d\n", s.Downloaded)
	fmt.Fprintf(&b, "Skipped: %d\n", s.Skipped)
	fmt.Fprintf(&b, "Failed: %d\n", len(s.Failed))
	fmt.Fprintf(&b, "Remaining: %d\n", s.Remaining)
	fmt.Fprintf(&b, "Duration: %s\n", s.Duration)
	fmt.Fprintf(&b, "Speed: %.2f emails/hour\n", s.SpeedPerHour)
	fmt.Fprintf(&b, "RunDirectory: %s\n", s.RunDirectory)

	if len(s.Attempts) > 0 {
		fmt.Fprintln(&b, "DiscoveryAttempts:")
		for _, a := range s.Attempts {
			fmt.Fprintf(&b, "  %s: %s\n", a.Host, a.Err)
		}
	}

	if len(s.PerFolder) > 0 {
		fmt.Fprintln(&b, "PerFolder:")
		for folder, stats := range s.PerFolder {
			fmt.Fprintf(&b, "  %s: downloaded=%d skipped=%d failed=%d\n", folder, stats.Downloaded, stats.Skipped, stats.Failed)
		}
	}

	if len(s.Failed) > 0 {
		fmt.Fprintln(&b, "FailedTasks:")
		for _, t := range s.Failed {
			fmt.Fprintf(&b, "  %s/%d\n", t.Folder, t.UID)
		}
	}

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// Exists reports whether a path already has content on disk, retained
// from the teacher's utils.Exists for callers that want to skip
// re-downloading between runs of the same UID set.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
