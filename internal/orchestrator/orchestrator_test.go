package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldorsen/mailreap/internal/config"
	"github.com/haldorsen/mailreap/internal/discover"
	"github.com/haldorsen/mailreap/internal/model"
	"github.com/haldorsen/mailreap/internal/pool"
	"github.com/haldorsen/mailreap/internal/session"
	"github.com/haldorsen/mailreap/internal/testutil"
)

func newOrchestrator(t *testing.T, server *testutil.Server, cfg config.Config) *Orchestrator {
	t.Helper()
	cfg.BackupDir = t.TempDir()
	if cfg.ImapServer == "" {
		cfg.ImapServer = "fake-host" // forces Discoverer.Discover down the single-candidate path
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 3
	}

	newSession := func() session.Ops { return server.NewSession() }
	log := logrus.NewEntry(logrus.StandardLogger())
	disc := discover.New(newSession, log)

	creds := model.Credentials{Address: "alice@example.com", Domain: "example.com"}
	return New(cfg, creds, disc, pool.Factory(newSession), log)
}

func TestOrchestrator_Run_SingleFolderHappyPath(t *testing.T) {
	// Arrange: spec.md §8 scenario 1.
	server := testutil.NewServer()
	server.AddFolder("INBOX",
		testutil.Msg{UID: 1, MessageID: "<1@x>", Body: []byte("one")},
		testutil.Msg{UID: 2, MessageID: "<2@x>", Body: []byte("two")},
		testutil.Msg{UID: 3, MessageID: "<3@x>", Body: []byte("three")},
	)
	orch := newOrchestrator(t, server, config.Config{MaxRetries: 0})

	// Act
	summary, err := orch.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Downloaded)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, summary.Downloaded+summary.Skipped+len(summary.Failed)+summary.Remaining, 3)
}

func TestOrchestrator_Run_CrossFolderDuplicate(t *testing.T) {
	// Arrange: spec.md §8 scenario 2.
	server := testutil.NewServer()
	server.AddFolder("INBOX", testutil.Msg{UID: 1, MessageID: "<a@x>", Body: []byte("body")})
	server.AddFolder("Sent", testutil.Msg{UID: 7, MessageID: "<a@x>", Body: []byte("body")})
	orch := newOrchestrator(t, server, config.Config{MaxRetries: 0, MaxWorkers: 1})

	// Act
	summary, err := orch.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Failed)
}

func TestOrchestrator_Run_PermanentFailureSurvivesRetries(t *testing.T) {
	// Arrange: spec.md §8 scenario 4.
	server := testutil.NewServer()
	server.AddFolder("INBOX",
		testutil.Msg{UID: 1, MessageID: "<1@x>", Body: []byte("one")},
		testutil.Msg{UID: 2, MessageID: "<2@x>", Body: []byte("two")},
		testutil.Msg{UID: 4, MessageID: "<4@x>"},
	)
	server.EmptyBodyUIDs["INBOX/4"] = true
	orch := newOrchestrator(t, server, config.Config{MaxRetries: 2, Batch: true})

	// Act
	summary, err := orch.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Downloaded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "INBOX", summary.Failed[0].Folder)
	assert.EqualValues(t, 4, summary.Failed[0].UID)
}

func TestOrchestrator_Run_TransientFailureRecoveredByAutoRetry(t *testing.T) {
	// Arrange: spec.md §8 scenario 3.
	server := testutil.NewServer()
	server.AddFolder("INBOX",
		testutil.Msg{UID: 1, MessageID: "<1@x>", Body: []byte("one")},
		testutil.Msg{UID: 2, MessageID: "<2@x>", Body: []byte("two")},
		testutil.Msg{UID: 3, MessageID: "<3@x>", Body: []byte("three")},
	)
	server.BodyFailuresRemaining["INBOX/2"] = 1
	orch := newOrchestrator(t, server, config.Config{MaxRetries: 1, Batch: true})

	// Act
	summary, err := orch.Run(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Downloaded)
	assert.Empty(t, summary.Failed)
}

func TestOrchestrator_Run_BootstrapFailureReturnsDiscoveryAttempts(t *testing.T) {
	// Arrange: every discovery candidate rejects the login.
	server := testutil.NewServer()
	server.ConnectErr = fmt.Errorf("connection refused")
	orch := newOrchestrator(t, server, config.Config{})

	// Act
	summary, err := orch.Run(context.Background())

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDiscoveryFailed)
	require.Len(t, summary.Attempts, 1)
	assert.Equal(t, "fake-host", summary.Attempts[0].Host)
	assert.Equal(t, "connection refused", summary.Attempts[0].Err)
}

func TestOrchestrator_Run_CancellationLeavesRemainingAccountedFor(t *testing.T) {
	// Arrange: spec.md §8 scenario 5, scaled down. Each message has a
	// small artificial delay so cancelling ctx lands mid-run.
	server := testutil.NewServer()
	var msgs []testutil.Msg
	for i := uint32(1); i <= 40; i++ {
		msgs = append(msgs, testutil.Msg{
			UID:       i,
			MessageID: fmt.Sprintf("<%d@x>", i),
			Body:      []byte("body"),
			Delay:     5 * time.Millisecond,
		})
	}
	server.AddFolder("INBOX", msgs...)
	orch := newOrchestrator(t, server, config.Config{MaxRetries: 0, MaxWorkers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	summary, err := orch.Run(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, summary.Status)
	total := summary.Downloaded + summary.Skipped + len(summary.Failed) + summary.Remaining
	assert.Equal(t, 40, total)
	assert.Greater(t, summary.Remaining, 0)
}
