// Package pool holds one IMAP session per worker, connecting lazily and
// reconnecting on failure, so workers never pay a per-task
// connect/disconnect cost that would exhaust a provider's simultaneous
// connection quota.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/session"
)

// Factory constructs a fresh, unconnected session.Ops. Production code
// passes session.New; tests pass a constructor for a fake.
type Factory func() session.Ops

// Pool hands each worker its own session.Ops, connected to the pinned
// endpoint on first use.
type Pool struct {
	mu       sync.Mutex
	sessions map[int]session.Ops
	factory  Factory
	endpoint model.Endpoint
	creds    model.Credentials
	log      *logrus.Entry
}

// New returns a Pool pinned to endpoint, using factory to build new
// sessions as needed.
func New(endpoint model.Endpoint, creds model.Credentials, factory Factory, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		sessions: make(map[int]session.Ops),
		factory:  factory,
		endpoint: endpoint,
		creds:    creds,
		log:      log,
	}
}

// Acquire returns workerID's session, connecting it if this is the
// worker's first task.
func (p *Pool) Acquire(ctx context.Context, workerID int) (session.Ops, error) {
	p.mu.Lock()
	s, ok := p.sessions[workerID]
	p.mu.Unlock()
	if ok {
		return s, nil
	}

	s = p.factory()
	if err := s.Connect(ctx, p.endpoint, p.creds); err != nil {
		return nil, fmt.Errorf("worker %d: connect: %w", workerID, err)
	}

	p.mu.Lock()
	p.sessions[workerID] = s
	p.mu.Unlock()
	return s, nil
}

// Refresh probes workerID's session with Noop, reconnecting once on
// failure, matching spec.md §4.3.
func (p *Pool) Refresh(ctx context.Context, workerID int) (session.Ops, error) {
	s, err := p.Acquire(ctx, workerID)
	if err != nil {
		return nil, err
	}

	if err := s.Noop(); err != nil {
		p.log.WithField("worker", workerID).WithError(err).Warn("session went stale, reconnecting")
		p.Invalidate(workerID)
		return p.Acquire(ctx, workerID)
	}
	return s, nil
}

// Invalidate force-closes workerID's session and clears its slot, so
// the next Acquire reconnects from scratch. Called after any error
// observed while the worker was using the session.
func (p *Pool) Invalidate(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[workerID]; ok {
		s.Close()
		delete(p.sessions, workerID)
	}
}

// CloseAll closes every live session, for orchestrator shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, s := range p.sessions {
		s.Close()
		delete(p.sessions, id)
	}
}
