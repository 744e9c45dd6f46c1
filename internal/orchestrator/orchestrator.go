// Package orchestrator wires the discoverer, scanner, connection pool,
// and download worker pool into one run: it owns cancellation, the
// counters, the retry loop, and the final summary.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haldorsen/mailreap/internal/config"
	"github.com/haldorsen/mailreap/internal/dedup"
	"github.com/haldorsen/mailreap/internal/discover"
	"github.com/haldorsen/mailreap/internal/downloader"
	"github.com/haldorsen/mailreap/internal/layout"
	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/pool"
	"github.com/haldorsen/mailreap/internal/prompt"
	"github.com/haldorsen/mailreap/internal/scanner"
)

// taskQueueDepth is the buffer size of the task channel. The channel is
// bounded: once this many tasks are waiting, the scanner's send blocks
// until a worker pulls a task or the run is cancelled.
const taskQueueDepth = 4096

// Orchestrator runs one archive pass for a single account.
type Orchestrator struct {
	cfg        config.Config
	creds      model.Credentials
	discoverer *discover.Discoverer
	factory    pool.Factory
	log        *logrus.Entry

	cancel         atomic.Bool
	pinnedEndpoint model.Endpoint
}

// New returns an Orchestrator ready to run once. factory constructs
// fresh, unconnected session.Ops values for the discoverer, scanner, and
// every pooled worker session.
func New(cfg config.Config, creds model.Credentials, discoverer *discover.Discoverer, factory pool.Factory, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{cfg: cfg, creds: creds, discoverer: discoverer, factory: factory, log: log}
}

// Cancel requests cooperative cancellation. Outstanding tasks are
// reported as Remaining rather than Failed or Downloaded.
func (o *Orchestrator) Cancel() {
	o.cancel.Store(true)
}

func (o *Orchestrator) cancelled() bool {
	return o.cancel.Load()
}

// counters accumulates Outcome values under one mutex, per spec.md §5's
// shared-counter model.
type counters struct {
	mu         sync.Mutex
	downloaded int
	skipped    int
	failed     []model.Task
	failedWhy  map[model.Task]string
	perFolder  map[string]model.FolderStats
}

func newCounters() *counters {
	return &counters{
		failedWhy: make(map[model.Task]string),
		perFolder: make(map[string]model.FolderStats),
	}
}

func (c *counters) record(o model.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.perFolder[o.Task.Folder]
	switch o.Status {
	case model.Downloaded:
		c.downloaded++
		stats.Downloaded++
	case model.SkippedDuplicate:
		c.skipped++
		stats.Skipped++
	case model.Failed:
		c.failed = append(c.failed, o.Task)
		c.failedWhy[o.Task] = o.Reason
		stats.Failed++
	}
	c.perFolder[o.Task.Folder] = stats
}

// promote moves task out of the failed set and into downloaded/skipped,
// used when a retry round recovers it.
func (c *counters) promote(task model.Task, status model.OutcomeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.failed[:0]
	for _, t := range c.failed {
		if t == task {
			continue
		}
		kept = append(kept, t)
	}
	c.failed = kept
	delete(c.failedWhy, task)

	stats := c.perFolder[task.Folder]
	stats.Failed--
	switch status {
	case model.Downloaded:
		c.downloaded++
		stats.Downloaded++
	case model.SkippedDuplicate:
		c.skipped++
		stats.Skipped++
	}
	c.perFolder[task.Folder] = stats
}

func (c *counters) snapshot() (downloaded, skipped int, failed []model.Task, perFolder map[string]model.FolderStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	failedCopy := make([]model.Task, len(c.failed))
	copy(failedCopy, c.failed)
	folderCopy := make(map[string]model.FolderStats, len(c.perFolder))
	for k, v := range c.perFolder {
		folderCopy[k] = v
	}
	return c.downloaded, c.skipped, failedCopy, folderCopy
}

// dateWindow derives the [start, end) bound from the mutually exclusive
// Days/StartDate flags and the optional EndDate flag.
func dateWindow(cfg config.Config) (*time.Time, *time.Time, error) {
	var start, end *time.Time

	if cfg.StartDate != "" {
		t, err := time.Parse("2006-01-02", cfg.StartDate)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --start-date: %w", err)
		}
		start = &t
	} else if cfg.Days > 0 {
		t := time.Now().AddDate(0, 0, -cfg.Days)
		start = &t
	}

	if cfg.EndDate != "" {
		t, err := time.Parse("2006-01-02", cfg.EndDate)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --end-date: %w", err)
		}
		end = &t
	}

	return start, end, nil
}

// Run executes one full archive pass: bootstrap, scan+download, retry,
// and summary. ctx governs the whole run; cancelling it (or calling
// Cancel) moves outstanding tasks to Remaining instead of aborting
// mid-write.
func (o *Orchestrator) Run(ctx context.Context) (model.RunSummary, error) {
	start := time.Now()

	startBound, endBound, err := dateWindow(o.cfg)
	if err != nil {
		return model.RunSummary{}, err
	}

	bootCtx, bootCancel := context.WithTimeout(ctx, 10*time.Second)
	result, err := o.discoverer.Discover(bootCtx, o.creds, o.overrideHost())
	bootCancel()
	if err != nil {
		return model.RunSummary{Attempts: result.Attempts}, o.wrapBootstrapError(err)
	}
	o.pinnedEndpoint = result.Endpoint
	bootstrapSession := result.Session
	defer bootstrapSession.Close()

	folders, err := bootstrapSession.ListFolders()
	if err != nil {
		return model.RunSummary{Attempts: result.Attempts, Endpoint: result.Endpoint}, fmt.Errorf("list folders: %w", err)
	}

	var inbox *model.Folder
	var rest []model.Folder
	for i := range folders {
		if strings.EqualFold(folders[i].Name, "INBOX") {
			f := folders[i]
			inbox = &f
			continue
		}
		rest = append(rest, folders[i])
	}

	runDirName := layout.RunDirName(o.creds.Address, o.creds.Domain, startBound, endBound)
	runPath := filepath.Join(o.cfg.BackupDir, runDirName)
	if err := layout.EnsureDir(runPath, false); err != nil {
		return model.RunSummary{}, fmt.Errorf("create run directory: %w", err)
	}

	index := dedup.New()
	sanitizer := layout.NewSanitizer()
	sessions := pool.New(result.Endpoint, o.creds, o.factory, o.log)
	defer sessions.CloseAll()

	tasks := make(chan model.Task, taskQueueDepth)
	outcomes := make(chan model.Outcome, o.cfg.MaxWorkers*2)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go o.watchCancel(runCtx, runCancel)

	scan := scanner.New(bootstrapSession, tasks, o.log)
	dlPool := downloader.New(o.cfg.MaxWorkers, sessions, index, sanitizer, runPath, false, o.log)

	var scanWG sync.WaitGroup
	scanWG.Add(1)
	go func() {
		defer scanWG.Done()
		scan.Run(runCtx, inbox, rest, startBound, endBound)
		close(tasks)
	}()

	var dlWG sync.WaitGroup
	dlWG.Add(1)
	go func() {
		defer dlWG.Done()
		dlPool.Run(runCtx, tasks, outcomes)
		close(outcomes)
	}()

	cnt := newCounters()
	progressCtx, stopProgress := context.WithCancel(runCtx)
	go o.reportProgress(progressCtx, cnt, start)

	for oc := range outcomes {
		cnt.record(oc)
	}
	scanWG.Wait()
	dlWG.Wait()
	stopProgress()

	status := model.StatusCompleted
	if o.cancelled() || runCtx.Err() != nil {
		status = model.StatusCancelled
	}

	if status == model.StatusCompleted && o.cfg.MaxRetries > 0 {
		o.retryRounds(ctx, cnt, index, sanitizer, runPath)
	}

	downloaded, skipped, failed, perFolder := cnt.snapshot()
	enqueued := int(scan.Enqueued())
	remaining := enqueued - downloaded - skipped - len(failed)
	if remaining < 0 {
		remaining = 0
	}

	summary := model.RunSummary{
		Status:       status,
		Downloaded:   downloaded,
		Skipped:      skipped,
		Failed:       failed,
		Remaining:    remaining,
		Duration:     time.Since(start),
		PerFolder:    perFolder,
		Endpoint:     result.Endpoint,
		Attempts:     result.Attempts,
		RunDirectory: runPath,
	}
	if summary.Duration.Hours() > 0 {
		summary.SpeedPerHour = float64(downloaded) / summary.Duration.Hours()
	}

	sidecarPath := runPath + ".summary.txt"
	if err := layout.WriteSummary(sidecarPath, summary); err != nil {
		o.log.WithError(err).Warn("failed to write sidecar summary")
	}
	o.log.WithFields(logrus.Fields{
		"status":     summary.Status,
		"downloaded": summary.Downloaded,
		"skipped":    summary.Skipped,
		"failed":     len(summary.Failed),
		"remaining":  summary.Remaining,
	}).Info("run complete")

	return summary, nil
}

func (o *Orchestrator) overrideHost() string {
	return o.cfg.ImapServer
}

// wrapBootstrapError annotates a bootstrap failure with the
// Gmail-specific hint spec.md §7 calls for when every candidate
// rejected the login and the account domain is a Gmail alias.
func (o *Orchestrator) wrapBootstrapError(err error) error {
	if o.creds.Domain == "gmail.com" || o.creds.Domain == "googlemail.com" {
		return fmt.Errorf("%w (Gmail requires an app password or OAuth2 client credentials, not your account password)", err)
	}
	return err
}

// watchCancel propagates an externally requested Cancel() into runCtx,
// alongside whatever cancellation the caller's ctx already carries.
func (o *Orchestrator) watchCancel(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.cancelled() {
				cancel()
				return
			}
		}
	}
}

// reportProgress periodically logs downloaded-per-hour speed, per
// spec.md §4.7 step 4.
func (o *Orchestrator) reportProgress(ctx context.Context, cnt *counters, started time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			downloaded, skipped, failed, _ := cnt.snapshot()
			elapsed := time.Since(started).Hours()
			var speed float64
			if elapsed > 0 {
				speed = float64(downloaded) / elapsed
			}
			o.log.Infof("progress: downloaded=%d skipped=%d failed=%d speed=%.0f/hr", downloaded, skipped, len(failed), speed)
		}
	}
}

// retryRounds runs up to cfg.MaxRetries automatic rounds over the
// current failed set, each with a growing per-round deadline, followed
// by one optional manual round when not in batch mode. Per spec.md
// §4.7 step 6 and the Retry-contract property in spec.md §8, a task
// recovered in round k is removed from the failed set and never
// resubmitted in round k+1.
func (o *Orchestrator) retryRounds(ctx context.Context, cnt *counters, index *dedup.Index, sanitizer *layout.Sanitizer, runPath string) {
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		_, _, failed, _ := cnt.snapshot()
		if len(failed) == 0 {
			return
		}
		o.log.Infof("retry round %d/%d: %d failed tasks", attempt, o.cfg.MaxRetries, len(failed))
		o.runRetryRound(ctx, cnt, index, sanitizer, runPath, failed, time.Duration(attempt)*60*time.Second)
	}

	_, _, failed, _ := cnt.snapshot()
	if len(failed) == 0 || o.cfg.Batch {
		return
	}

	if prompt.Confirm(ctx, fmt.Sprintf("%d messages still failed. Retry once more?", len(failed)), os.Stdin, 10*time.Second, false) {
		o.runRetryRound(ctx, cnt, index, sanitizer, runPath, failed, time.Duration(o.cfg.MaxRetries+1)*60*time.Second)
	}
}

// runRetryRound submits failed to a fresh worker pool (fresh
// connections, per spec.md §4.7 step 6's "fresh pool of W workers"),
// reusing the same Dedup Index, since its entries live for the whole
// run, not just the initial pass, per spec.md §4.5.
func (o *Orchestrator) runRetryRound(ctx context.Context, cnt *counters, index *dedup.Index, sanitizer *layout.Sanitizer, runPath string, failed []model.Task, deadline time.Duration) {
	roundCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sessions := pool.New(o.lastEndpoint(), o.creds, o.factory, o.log)
	defer sessions.CloseAll()

	dlPool := downloader.New(o.cfg.MaxWorkers, sessions, index, sanitizer, runPath, false, o.log)

	tasks := make(chan model.Task, len(failed))
	for _, t := range failed {
		tasks <- t
	}
	close(tasks)

	outcomes := make(chan model.Outcome, len(failed))
	go func() {
		dlPool.Run(roundCtx, tasks, outcomes)
		close(outcomes)
	}()

	for oc := range outcomes {
		cnt.promote(oc.Task, oc.Status)
		if oc.Status == model.Failed {
			cnt.mu.Lock()
			cnt.failed = append(cnt.failed, oc.Task)
			cnt.failedWhy[oc.Task] = oc.Reason
			stats := cnt.perFolder[oc.Task.Folder]
			stats.Failed++
			cnt.perFolder[oc.Task.Folder] = stats
			cnt.mu.Unlock()
		}
	}
}

// lastEndpoint is a placeholder seam: the session pool needs an
// endpoint, and retry rounds reconnect to the same pinned endpoint the
// bootstrap discovered. Held here rather than threaded through every
// call because all retry rounds within one Run share the same pin.
func (o *Orchestrator) lastEndpoint() model.Endpoint {
	return o.pinnedEndpoint
}
