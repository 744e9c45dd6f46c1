// Package session wraps a single authenticated, folder-selected IMAP
// connection. A Session is synchronous, blocking, and not safe for
// concurrent use — it is owned by exactly one worker or by the scanner
// for its entire lifetime, per spec.md's Design Notes.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/haldorsen/mailreap/internal/model"
)

// socketTimeout bounds every connection attempt and IMAP round trip, per
// spec.md §5.
const socketTimeout = 10 * time.Second

var messageIDPattern = regexp.MustCompile(`(?i)Message-ID:\s*(<[^>]+>|[^\r\n]+)`)

// Ops is the narrow contract the scanner, pool, and worker pool depend
// on, so tests can substitute an in-memory fake instead of dialing a
// real server. Grounded on the imapOps/IMAPClient interface shape used
// across the example pack's IMAP wrappers.
type Ops interface {
	Connect(ctx context.Context, ep model.Endpoint, creds model.Credentials) error
	ListFolders() ([]model.Folder, error)
	Select(folder string, readonly bool) error
	SearchUIDs(start, end *time.Time) ([]uint32, error)
	FetchMessageID(uid uint32) (string, bool, error)
	FetchBody(uid uint32) ([]byte, error)
	Noop() error
	Close()
}

// Session is the real Ops implementation, backed by
// github.com/emersion/go-imap/client.
type Session struct {
	c        *client.Client
	selected string
	log      *logrus.Entry
}

// New returns an unconnected Session. Call Connect before any other
// method.
func New(log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{log: log}
}

var _ Ops = (*Session)(nil)

// Connect dials ep and authenticates with creds. On failure no Session
// state is left usable — the caller should discard this Session and
// construct a fresh one for the next candidate.
func (s *Session) Connect(ctx context.Context, ep model.Endpoint, creds model.Credentials) error {
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)

	var c *client.Client
	var err error
	dialer := &net.Dialer{Timeout: socketTimeout}
	if ep.SSL {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: ep.Host})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.Timeout = socketTimeout

	if creds.OAuth2Token != nil {
		auth := sasl.NewXoauth2Client(creds.Address, creds.OAuth2Token.AccessToken)
		if err := c.Authenticate(auth); err != nil {
			c.Close()
			return fmt.Errorf("%w: %v", model.ErrAuthFailed, err)
		}
	} else if err := c.Login(creds.Address, creds.Secret); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", model.ErrAuthFailed, err)
	}

	s.c = c
	s.selected = ""
	return nil
}

// ListFolders returns every folder the server advertises, filtered per
// spec.md §3 (spam/junk/bulk excluded unless also trash; all-mail
// aliases excluded), preferring RFC 6154 special-use attributes when the
// server advertises them and falling back to name matching otherwise.
func (s *Session) ListFolders() ([]model.Folder, error) {
	ch := make(chan *imap.MailboxInfo, 50)
	done := make(chan error, 1)
	go func() { done <- s.c.List("", "*", ch) }()

	var folders []model.Folder
	for m := range ch {
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		if excludeFolder(m.Name, m.Attributes) {
			continue
		}
		delim := byte(0)
		if len(m.Delimiter) > 0 {
			delim = m.Delimiter[0]
		}
		folders = append(folders, model.Folder{
			Name:       m.Name,
			Delimiter:  delim,
			SpecialUse: attrNames(m.Attributes),
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

func attrNames(attrs []string) []string {
	out := make([]string, len(attrs))
	copy(out, attrs)
	return out
}

func excludeFolder(name string, attrs []string) bool {
	for _, a := range attrs {
		switch a {
		case `\Junk`, `\Trash`:
			return a == `\Junk`
		case `\All`:
			return true
		}
	}

	lower := strings.ToLower(name)
	isJunkLike := strings.Contains(lower, "spam") || strings.Contains(lower, "junk") || strings.Contains(lower, "bulk")
	isTrashLike := strings.Contains(lower, "trash")
	if isJunkLike && !isTrashLike {
		return true
	}
	if strings.Contains(lower, "all mail") || strings.Contains(lower, "todos os e-mails") {
		return true
	}
	return false
}

// Select selects folder readonly or read-write. Names containing a
// space or backslash are sent quoted with embedded quotes/backslashes
// escaped, though go-imap's client already quotes mailbox names as
// needed at the wire level — this mirrors spec.md's explicit wire
// contract for documentation purposes.
func (s *Session) Select(folder string, readonly bool) error {
	if s.selected == folder {
		return nil
	}
	if _, err := s.c.Select(folder, readonly); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrFolderSelect, folder, err)
	}
	s.selected = folder
	return nil
}

// SearchUIDs issues a UID SEARCH with an optional SINCE/BEFORE date
// window, ALL when neither bound is set.
func (s *Session) SearchUIDs(start, end *time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if start != nil {
		criteria.Since = *start
	}
	if end != nil {
		criteria.Before = *end
	}

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSearch, err)
	}
	return uids, nil
}

// FetchMessageID fetches only the Message-ID header for uid via
// BODY.PEEK, which avoids marking the message \Seen. Returns ok=false
// when the server has no Message-ID for this UID (best-effort dedup).
func (s *Session) FetchMessageID(uid uint32) (string, bool, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"MESSAGE-ID"},
		},
		Peek: true,
	}

	messages := make(chan *imap.Message, 1)
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- s.c.UidFetch(seq, []imap.FetchItem{section.FetchItem()}, messages) }()

	var msgID string
	var found bool
	for msg := range messages {
		if msg == nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		if m := messageIDPattern.FindSubmatch(raw); m != nil {
			msgID = strings.TrimSpace(string(m[1]))
			found = msgID != ""
		}
	}
	if err := <-fetchErr; err != nil {
		return "", false, err
	}
	return msgID, found, nil
}

// FetchBody fetches the literal RFC 822 octets for uid.
func (s *Session) FetchBody(uid uint32) ([]byte, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 1)
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- s.c.UidFetch(seq, []imap.FetchItem{section.FetchItem()}, messages) }()

	var data []byte
	for msg := range messages {
		if msg == nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	if err := <-fetchErr; err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, model.ErrEmptyBody
	}
	return data, nil
}

// Noop is the liveness probe the pool uses before handing a session to a
// worker's next task.
func (s *Session) Noop() error {
	if s.c == nil {
		return fmt.Errorf("session not connected")
	}
	return s.c.Noop()
}

// Close performs a best-effort CLOSE + LOGOUT, swallowing errors.
func (s *Session) Close() {
	if s.c == nil {
		return
	}
	_ = s.c.Close()
	_ = s.c.Logout()
	s.c = nil
}
