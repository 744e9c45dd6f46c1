// Package scanner walks the folder list and streams download tasks onto
// a channel while downloads may already be in flight.
package scanner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/session"
)

// Scanner is the single logical producer of model.Task values. It owns
// a dedicated session, independent of the download worker pool, so a
// long-running SEARCH never starves a download connection (spec.md
// Design Notes).
type Scanner struct {
	sess     session.Ops
	tasks    chan<- model.Task
	log      *logrus.Entry
	enqueued atomic.Int64
}

// New returns a Scanner that will push tasks onto tasks.
func New(sess session.Ops, tasks chan<- model.Task, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scanner{sess: sess, tasks: tasks, log: log}
}

// Enqueued returns the total number of tasks sent so far. The
// orchestrator uses this, together with outcome counts, to compute
// Remaining on cancellation without requiring a synthetic Outcome for
// every task still sitting unconsumed in the channel.
func (s *Scanner) Enqueued() int64 {
	return s.enqueued.Load()
}

// Run walks inbox first, then the remaining folders in server order,
// enqueuing (folder, uid) tasks as each folder's search completes. It
// checks ctx between folders and between search and enqueue so
// cancellation is visible promptly, per spec.md §5. A single folder's
// select/search failure is logged and that folder is skipped; it never
// aborts the scan.
func (s *Scanner) Run(ctx context.Context, inbox *model.Folder, rest []model.Folder, start, end *time.Time) {
	if inbox != nil {
		s.scanFolder(ctx, *inbox, start, end)
	}

	for _, folder := range rest {
		if ctx.Err() != nil {
			return
		}
		s.scanFolder(ctx, folder, start, end)
	}
}

func (s *Scanner) scanFolder(ctx context.Context, folder model.Folder, start, end *time.Time) {
	log := s.log.WithField("folder", folder.Name)

	if err := s.sess.Select(folder.Name, true); err != nil {
		log.WithError(err).Warn("select failed, skipping folder")
		return
	}

	uids, err := s.sess.SearchUIDs(start, end)
	if err != nil {
		log.WithError(err).Warn("search failed, skipping folder")
		return
	}

	if ctx.Err() != nil {
		return
	}

	log.Infof("found %d messages", len(uids))
	for _, uid := range uids {
		select {
		case <-ctx.Done():
			return
		case s.tasks <- model.Task{Folder: folder.Name, UID: uid}:
			s.enqueued.Add(1)
		}
	}
}
