// Package discover produces an ordered list of candidate IMAP endpoints
// for an email address and pins the first one that authenticates.
package discover

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/session"
)

// thunderbirdTimeout bounds the autoconfig HTTP lookup; failures here
// are silently skipped per spec.md §4.1.
const thunderbirdTimeout = 5 * time.Second

// commonProviders maps well-known email domains to their IMAP host,
// grounded on original_source/imap_client.py's COMMON_PROVIDERS table.
var commonProviders = map[string]string{
	"gmail.com":      "imap.gmail.com",
	"googlemail.com": "imap.gmail.com",
	"outlook.com":    "outlook.office365.com",
	"hotmail.com":    "outlook.office365.com",
	"live.com":       "outlook.office365.com",
	"yahoo.com":      "imap.mail.yahoo.com",
	"icloud.com":     "imap.mail.me.com",
	"me.com":         "imap.mail.me.com",
	"mac.com":        "imap.mail.me.com",
	"uol.com.br":     "imap.uol.com.br",
	"bol.com.br":     "imap.bol.com.br",
	"terra.com.br":   "imap.terra.com.br",
}

// autoconfigXML mirrors just enough of the Thunderbird autoconfig v1.1
// schema to extract the first IMAP incomingServer hostname.
type autoconfigXML struct {
	EmailProvider struct {
		IncomingServer []struct {
			Type     string `xml:"type,attr"`
			Hostname string `xml:"hostname"`
		} `xml:"incomingServer"`
	} `xml:"emailProvider"`
}

// HTTPClient is the subset of *http.Client the discoverer needs, so
// tests can point it at an httptest.Server.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Discoverer produces candidate endpoints and pins the first that
// authenticates.
type Discoverer struct {
	httpClient HTTPClient
	newSession func() session.Ops
	port       uint16
	ssl        bool
	log        *logrus.Entry
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithHTTPClient overrides the HTTP client used for Thunderbird
// autoconfig lookups.
func WithHTTPClient(c HTTPClient) Option {
	return func(d *Discoverer) { d.httpClient = c }
}

// WithPort overrides the default 993/TLS pairing, per --port/--nossl.
func WithPort(port uint16, ssl bool) Option {
	return func(d *Discoverer) { d.port = port; d.ssl = ssl }
}

// New returns a Discoverer that builds sessions with newSession to test
// each candidate.
func New(newSession func() session.Ops, log *logrus.Entry, opts ...Option) *Discoverer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Discoverer{
		httpClient: &http.Client{Timeout: thunderbirdTimeout},
		newSession: newSession,
		port:       993,
		ssl:        true,
		log:        log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Candidates returns the ordered list of hosts to try for domain, per
// spec.md §4.1: common-provider table, then imap.<domain>, mail.<domain>,
// then Thunderbird autoconfig.
func (d *Discoverer) Candidates(domain string) []string {
	var candidates []string
	seen := map[string]bool{}

	add := func(host string) {
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		candidates = append(candidates, host)
	}

	if host, ok := commonProviders[domain]; ok {
		add(host)
	}
	add(fmt.Sprintf("imap.%s", domain))
	add(fmt.Sprintf("mail.%s", domain))

	if host := d.lookupThunderbird(domain); host != "" {
		add(host)
	}

	return candidates
}

func (d *Discoverer) lookupThunderbird(domain string) string {
	url := fmt.Sprintf("https://autoconfig.thunderbird.net/v1.1/%s", domain)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return ""
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var cfg autoconfigXML
	if err := xml.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return ""
	}

	for _, srv := range cfg.EmailProvider.IncomingServer {
		if strings.EqualFold(srv.Type, "imap") && srv.Hostname != "" {
			return srv.Hostname
		}
	}
	return ""
}

// Result is the outcome of a successful Discover call.
type Result struct {
	Endpoint model.Endpoint
	Session  session.Ops
	Attempts []model.DiscoveryAttempt
}

// Discover tries each candidate host in order and returns the first
// Session that connects and authenticates. The caller owns the returned
// Session (it becomes the Scanner's or bootstrap session).
func (d *Discoverer) Discover(ctx context.Context, creds model.Credentials, overrideHost string) (Result, error) {
	var candidates []string
	if overrideHost != "" {
		candidates = []string{overrideHost}
	} else {
		candidates = d.Candidates(creds.Domain)
	}

	var attempts []model.DiscoveryAttempt
	for _, host := range candidates {
		ep := model.Endpoint{Host: host, Port: d.port, SSL: d.ssl}
		sess := d.newSession()

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sess.Connect(connectCtx, ep, creds)
		cancel()

		if err != nil {
			d.log.WithField("host", host).WithError(err).Debug("discovery candidate failed")
			attempts = append(attempts, model.DiscoveryAttempt{Host: host, Err: err.Error()})
			continue
		}

		return Result{Endpoint: ep, Session: sess, Attempts: attempts}, nil
	}

	return Result{Attempts: attempts}, model.ErrDiscoveryFailed
}
