package discover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/session"
)

type fakeHTTPClient struct {
	status int
	body   string
	err    error
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

const thunderbirdFixture = `<?xml version="1.0"?>
<clientConfig version="1.1">
  <emailProvider id="example.com">
    <incomingServer type="imap">
      <hostname>imap.fixture.example.com</hostname>
    </incomingServer>
  </emailProvider>
</clientConfig>`

func TestDiscoverer_Candidates_KnownProviderFirst(t *testing.T) {
	// Arrange
	d := New(nil, logrus.NewEntry(logrus.StandardLogger()), WithHTTPClient(&fakeHTTPClient{status: 404}))

	// Act
	got := d.Candidates("gmail.com")

	// Assert
	require.NotEmpty(t, got)
	assert.Equal(t, "imap.gmail.com", got[0])
}

func TestDiscoverer_Candidates_UnknownDomainFallsThroughToGuessesThenAutoconfig(t *testing.T) {
	// Arrange: spec.md §8 scenario 6 — no common-provider entry, so the
	// ordered fallback is imap.<domain>, mail.<domain>, then Thunderbird.
	d := New(nil, logrus.NewEntry(logrus.StandardLogger()),
		WithHTTPClient(&fakeHTTPClient{status: 200, body: thunderbirdFixture}))

	// Act
	got := d.Candidates("example.com")

	// Assert
	require.Len(t, got, 3)
	assert.Equal(t, "imap.example.com", got[0])
	assert.Equal(t, "mail.example.com", got[1])
	assert.Equal(t, "imap.fixture.example.com", got[2])
}

func TestDiscoverer_Candidates_AutoconfigUnreachableIsSkippedNotFatal(t *testing.T) {
	// Arrange
	d := New(nil, logrus.NewEntry(logrus.StandardLogger()),
		WithHTTPClient(&fakeHTTPClient{err: fmt.Errorf("connection refused")}))

	// Act
	got := d.Candidates("example.com")

	// Assert: only the two host-guess candidates, no panic or error surfaced.
	assert.Equal(t, []string{"imap.example.com", "mail.example.com"}, got)
}

func TestDiscoverer_Candidates_DeduplicatesWhenGuessMatchesProviderTable(t *testing.T) {
	// Arrange: uol.com.br's provider entry already is imap.uol.com.br,
	// which is exactly what the imap.<domain> guess would also produce.
	d := New(nil, logrus.NewEntry(logrus.StandardLogger()), WithHTTPClient(&fakeHTTPClient{status: 404}))

	// Act
	got := d.Candidates("uol.com.br")

	// Assert
	assert.Equal(t, []string{"imap.uol.com.br", "mail.uol.com.br"}, got)
}

// stubSession is a minimal session.Ops fake for Discover tests; only
// Connect is exercised, since Discover never calls the rest.
type stubSession struct {
	failHosts map[string]bool
	failAll   bool
}

func (f *stubSession) Connect(ctx context.Context, ep model.Endpoint, creds model.Credentials) error {
	if f.failAll || f.failHosts[ep.Host] {
		return fmt.Errorf("auth rejected: %s", ep.Host)
	}
	return nil
}
func (f *stubSession) ListFolders() ([]model.Folder, error)               { return nil, nil }
func (f *stubSession) Select(string, bool) error                          { return nil }
func (f *stubSession) SearchUIDs(start, end *time.Time) ([]uint32, error) { return nil, nil }
func (f *stubSession) FetchMessageID(uint32) (string, bool, error)        { return "", false, nil }
func (f *stubSession) FetchBody(uint32) ([]byte, error)                   { return nil, nil }
func (f *stubSession) Noop() error                                        { return nil }
func (f *stubSession) Close()                                             {}

func TestDiscover_PinsFirstHostThatAuthenticates(t *testing.T) {
	// Arrange: gmail.com's first candidate (the provider-table host)
	// authenticates on the first try.
	shared := &stubSession{}
	newSession := func() session.Ops { return shared }
	d := New(newSession, logrus.NewEntry(logrus.StandardLogger()), WithHTTPClient(&fakeHTTPClient{status: 404}))

	// Act
	result, err := d.Discover(context.Background(), model.Credentials{Domain: "gmail.com"}, "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "imap.gmail.com", result.Endpoint.Host)
	assert.Empty(t, result.Attempts)
}

func TestDiscover_SkipsFailingCandidatesAndRecordsAttempts(t *testing.T) {
	// Arrange: imap.example.com rejects auth, mail.example.com succeeds.
	shared := &stubSession{failHosts: map[string]bool{"imap.example.com": true}}
	newSession := func() session.Ops { return shared }
	d := New(newSession, logrus.NewEntry(logrus.StandardLogger()),
		WithHTTPClient(&fakeHTTPClient{err: fmt.Errorf("no network")}))

	// Act
	result, err := d.Discover(context.Background(), model.Credentials{Domain: "example.com"}, "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", result.Endpoint.Host)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, "imap.example.com", result.Attempts[0].Host)
}

func TestDiscover_AllCandidatesFailReturnsErrDiscoveryFailed(t *testing.T) {
	// Arrange
	shared := &stubSession{failAll: true}
	newSession := func() session.Ops { return shared }
	d := New(newSession, logrus.NewEntry(logrus.StandardLogger()), WithHTTPClient(&fakeHTTPClient{status: 404}))

	// Act
	_, err := d.Discover(context.Background(), model.Credentials{Domain: "example.com"}, "")

	// Assert
	assert.ErrorIs(t, err, model.ErrDiscoveryFailed)
}

func TestDiscover_OverrideHostSkipsCandidateEnumeration(t *testing.T) {
	// Arrange: --server pins a single host, bypassing the provider table
	// and Thunderbird lookup entirely.
	shared := &stubSession{}
	newSession := func() session.Ops { return shared }
	d := New(newSession, logrus.NewEntry(logrus.StandardLogger()), WithHTTPClient(&fakeHTTPClient{status: 404}))

	// Act
	result, err := d.Discover(context.Background(), model.Credentials{Domain: "gmail.com"}, "custom.example.net")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "custom.example.net", result.Endpoint.Host)
}
