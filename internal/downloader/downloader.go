// Package downloader implements the bounded worker pool that consumes
// tasks from the scanner, dedups by Message-ID, fetches bodies, and
// writes .eml files.
package downloader

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haldorsen/mailreap/internal/dedup"
	"github.com/haldorsen/mailreap/internal/layout"
	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/pool"
)

// Pool runs W persistent workers pulling from a shared task channel.
type Pool struct {
	workers   int
	sessions  *pool.Pool
	index     *dedup.Index
	sanitizer *layout.Sanitizer
	runDir    string
	dryRun    bool
	log       *logrus.Entry
}

// New returns a Pool with `workers` goroutines, each holding one slot of
// sessions.
func New(workers int, sessions *pool.Pool, index *dedup.Index, sanitizer *layout.Sanitizer, runDir string, dryRun bool, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:   workers,
		sessions:  sessions,
		index:     index,
		sanitizer: sanitizer,
		runDir:    runDir,
		dryRun:    dryRun,
		log:       log,
	}
}

// Run pulls from tasks until it is closed or ctx is cancelled, sending
// exactly one Outcome per consumed task to outcomes. Run blocks until
// every worker has exited; call it from its own goroutine to run
// concurrently with the scanner.
func (p *Pool) Run(ctx context.Context, tasks <-chan model.Task, outcomes chan<- model.Outcome) {
	var wg sync.WaitGroup
	wg.Add(p.workers)

	for id := 0; id < p.workers; id++ {
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(ctx, workerID, tasks, outcomes)
		}(id)
	}

	wg.Wait()
}

// workerLoop pulls tasks until the channel closes or ctx is cancelled.
// Per spec.md §4.7 step 5, cancellation stops draining rather than
// flushing the remaining buffer with synthetic outcomes: a task this
// worker never pulls off the channel gets no Outcome at all, leaving it
// for the orchestrator to count as Remaining. The cancellation check
// runs in its own non-blocking select ahead of the blocking one so a
// cancelled ctx always wins over a buffered task ready on the same
// iteration — plain select would pick either arm at random, consuming
// one more task than the spec's liveness bound allows.
func (p *Pool) workerLoop(ctx context.Context, workerID int, tasks <-chan model.Task, outcomes chan<- model.Outcome) {
	log := p.log.WithField("worker", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			outcomes <- p.process(ctx, workerID, task, log)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, task model.Task, log *logrus.Entry) model.Outcome {
	sess, err := p.sessions.Refresh(ctx, workerID)
	if err != nil {
		log.WithError(err).Error("could not acquire session")
		return model.Outcome{Task: task, Status: model.Failed, Reason: err.Error()}
	}

	if err := sess.Select(task.Folder, true); err != nil {
		p.sessions.Invalidate(workerID)
		return model.Outcome{Task: task, Status: model.Failed, Reason: err.Error()}
	}

	msgID, found, err := sess.FetchMessageID(task.UID)
	if err != nil {
		p.sessions.Invalidate(workerID)
		return model.Outcome{Task: task, Status: model.Failed, Reason: err.Error()}
	}

	if found {
		if !p.index.TestAndInsert(msgID, task) {
			return model.Outcome{Task: task, Status: model.SkippedDuplicate}
		}
	}

	body, err := sess.FetchBody(task.UID)
	if err != nil {
		if err == model.ErrEmptyBody {
			return model.Outcome{Task: task, Status: model.Failed, Reason: "empty content"}
		}
		p.sessions.Invalidate(workerID)
		return model.Outcome{Task: task, Status: model.Failed, Reason: err.Error()}
	}
	if len(body) == 0 {
		return model.Outcome{Task: task, Status: model.Failed, Reason: "empty content"}
	}

	segment := p.sanitizer.Segment(task.Folder)
	path := layout.MessagePath(p.runDir, segment, task.UID)

	if !p.dryRun {
		if err := layout.AtomicWrite(path, body); err != nil {
			log.WithError(err).Error("write failed")
			return model.Outcome{Task: task, Status: model.Failed, Reason: err.Error()}
		}
	}

	return model.Outcome{Task: task, Status: model.Downloaded}
}
