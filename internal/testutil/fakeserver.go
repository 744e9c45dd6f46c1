// Package testutil provides an in-memory stand-in for an IMAP server,
// implementing session.Ops, so the scanner, downloader, and
// orchestrator packages can be exercised end-to-end without a real
// socket. It is a test helper, imported only from _test.go files.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haldorsen/mailreap/internal/model"
)

// Msg is one message sitting in a fake folder.
type Msg struct {
	UID       uint32
	MessageID string // empty means "server has no Message-ID for this UID"
	Body      []byte
	Internal  time.Time
	Delay     time.Duration // artificial latency before FetchBody returns, for cancellation tests
}

// FakeFolder is one server-side mailbox.
type FakeFolder struct {
	Name     string
	Messages []Msg
}

// Server is the shared state behind every Ops a test hands out. All
// methods are safe for concurrent use by multiple fake sessions, the
// same way a real IMAP server is shared by multiple TCP connections.
type Server struct {
	mu sync.Mutex

	folders map[string]*FakeFolder
	order   []string

	ConnectErr    error
	FailSelect    map[string]bool
	FailSearch    map[string]bool
	EmptyBodyUIDs map[string]bool

	// BodyFailuresRemaining lets a test simulate a transient fetch
	// failure that succeeds after N attempts, keyed by "folder/uid".
	BodyFailuresRemaining map[string]int
}

// NewServer returns an empty fake server.
func NewServer() *Server {
	return &Server{
		folders:               make(map[string]*FakeFolder),
		FailSelect:            make(map[string]bool),
		FailSearch:            make(map[string]bool),
		EmptyBodyUIDs:         make(map[string]bool),
		BodyFailuresRemaining: make(map[string]int),
	}
}

// AddFolder registers a folder (in server-list order) with its messages.
func (s *Server) AddFolder(name string, msgs ...Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.folders[name]; !exists {
		s.order = append(s.order, name)
	}
	s.folders[name] = &FakeFolder{Name: name, Messages: msgs}
}

// NewSession returns a fresh Ops bound to this server, suitable as a
// pool.Factory or discover newSession func.
func (s *Server) NewSession() *fakeSession {
	return &fakeSession{server: s}
}

type fakeSession struct {
	server   *Server
	selected string
	closed   bool
}

func (f *fakeSession) Connect(ctx context.Context, ep model.Endpoint, creds model.Credentials) error {
	if f.server.ConnectErr != nil {
		return f.server.ConnectErr
	}
	return nil
}

func (f *fakeSession) ListFolders() ([]model.Folder, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()

	folders := make([]model.Folder, 0, len(f.server.order))
	for _, name := range f.server.order {
		folders = append(folders, model.Folder{Name: name, Delimiter: '/'})
	}
	return folders, nil
}

func (f *fakeSession) Select(folder string, readonly bool) error {
	if f.server.FailSelect[folder] {
		return fmt.Errorf("%w: %s", model.ErrFolderSelect, folder)
	}
	f.server.mu.Lock()
	_, ok := f.server.folders[folder]
	f.server.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no such folder %s", model.ErrFolderSelect, folder)
	}
	f.selected = folder
	return nil
}

func (f *fakeSession) SearchUIDs(start, end *time.Time) ([]uint32, error) {
	if f.server.FailSearch[f.selected] {
		return nil, fmt.Errorf("%w: %s", model.ErrSearch, f.selected)
	}

	f.server.mu.Lock()
	defer f.server.mu.Unlock()

	folder := f.server.folders[f.selected]
	var uids []uint32
	for _, m := range folder.Messages {
		if start != nil && m.Internal.Before(*start) {
			continue
		}
		if end != nil && !m.Internal.Before(*end) {
			continue
		}
		uids = append(uids, m.UID)
	}
	return uids, nil
}

func (f *fakeSession) find(uid uint32) (Msg, bool) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()

	folder := f.server.folders[f.selected]
	if folder == nil {
		return Msg{}, false
	}
	for _, m := range folder.Messages {
		if m.UID == uid {
			return m, true
		}
	}
	return Msg{}, false
}

func (f *fakeSession) FetchMessageID(uid uint32) (string, bool, error) {
	m, ok := f.find(uid)
	if !ok {
		return "", false, fmt.Errorf("no such uid %d", uid)
	}
	return m.MessageID, m.MessageID != "", nil
}

func (f *fakeSession) FetchBody(uid uint32) ([]byte, error) {
	key := fmt.Sprintf("%s/%d", f.selected, uid)

	f.server.mu.Lock()
	remaining, hasTransient := f.server.BodyFailuresRemaining[key]
	if hasTransient && remaining > 0 {
		f.server.BodyFailuresRemaining[key] = remaining - 1
	}
	empty := f.server.EmptyBodyUIDs[key]
	f.server.mu.Unlock()

	if hasTransient && remaining > 0 {
		return nil, fmt.Errorf("transient fetch failure for %s", key)
	}
	if empty {
		return nil, model.ErrEmptyBody
	}

	m, ok := f.find(uid)
	if !ok {
		return nil, fmt.Errorf("no such uid %d", uid)
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	return m.Body, nil
}

func (f *fakeSession) Noop() error {
	if f.closed {
		return fmt.Errorf("session closed")
	}
	return nil
}

func (f *fakeSession) Close() {
	f.closed = true
}
