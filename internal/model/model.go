// Package model defines the shared data types that flow between the
// discoverer, scanner, workers, and orchestrator.
package model

import (
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors for the bootstrap and per-unit failure classes described
// in the error handling design.
var (
	ErrDiscoveryFailed = errors.New("no candidate endpoint accepted credentials")
	ErrAuthFailed      = errors.New("endpoint reachable but login rejected")
	ErrFolderSelect    = errors.New("folder select failed")
	ErrSearch          = errors.New("uid search failed")
	ErrEmptyBody       = errors.New("empty content")
)

// Credentials identifies the account being archived. Either Secret (a
// plain password or app password) or OAuth2Token is set; when both are
// present Session prefers XOAUTH2.
type Credentials struct {
	Address     string
	Secret      string
	Domain      string // lowercased, derived from Address
	OAuth2Token *oauth2.Token
}

// Endpoint is a candidate (or pinned) IMAP host.
type Endpoint struct {
	Host string
	Port uint16
	SSL  bool
}

// Folder is a server-enumerated mailbox.
type Folder struct {
	Name       string
	Delimiter  byte
	SpecialUse []string // RFC 6154 attributes, when advertised
}

// Task is one (folder, UID) unit of work, created exactly once by the
// scanner and consumed exactly once by a worker.
type Task struct {
	Folder string
	UID    uint32
}

// OutcomeStatus classifies how a task terminated.
type OutcomeStatus int

const (
	Downloaded OutcomeStatus = iota
	SkippedDuplicate
	Failed
)

func (s OutcomeStatus) String() string {
	switch s {
	case Downloaded:
		return "downloaded"
	case SkippedDuplicate:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is produced exactly once per task.
type Outcome struct {
	Task   Task
	Status OutcomeStatus
	Reason string // populated when Status == Failed
}

// DiscoveryAttempt records one candidate endpoint that failed to
// authenticate, for inclusion in the run summary.
type DiscoveryAttempt struct {
	Host string
	Err  string
}

// RunStatus is the terminal state of an orchestrated run.
type RunStatus string

const (
	StatusCompleted RunStatus = "Completed"
	StatusCancelled RunStatus = "Cancelled"
)

// FolderStats is the per-folder breakdown in the run summary.
type FolderStats struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// RunSummary is built at the end of a run and emitted to the log and a
// sidecar file.
type RunSummary struct {
	Status        RunStatus
	Downloaded    int
	Skipped       int
	Failed        []Task
	Remaining     int
	Duration      time.Duration
	SpeedPerHour  float64
	PerFolder     map[string]FolderStats
	Endpoint      Endpoint
	Attempts      []DiscoveryAttempt
	RunDirectory  string
}

// TotalEnqueued returns the conservation-invariant total: every task ends
// in exactly one of downloaded, skipped, failed, or remaining.
func (r RunSummary) TotalEnqueued() int {
	return r.Downloaded + r.Skipped + len(r.Failed) + r.Remaining
}
