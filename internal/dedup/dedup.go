// Package dedup implements the concurrent Message-ID set workers consult
// before fetching a body.
package dedup

import (
	"sync"

	"github.com/haldorsen/mailreap/internal/model"
)

// Index is a concurrent set of observed Message-ID values, guarded by a
// single mutex. Grounded on original_source/email_downloader.py's
// seen_ids/seen_lock pair. Each entry also remembers which task claimed
// it, so a retry round resubmitting a task that already reserved its
// Message-ID (but then failed the body fetch) is let through again
// instead of being misreported as a duplicate.
type Index struct {
	mu    sync.Mutex
	owner map[string]model.Task
}

// New returns an empty Index.
func New() *Index {
	return &Index{owner: make(map[string]model.Task)}
}

// TestAndInsert reports whether task should proceed with the download:
// true when id is new, or when task is the same one that already
// claimed id (a retry of its own earlier attempt). It reports false
// only when a different task already claimed id first. The check and
// insert happen under the same lock, so no two callers can both observe
// "not present" for the same id. Angle brackets and case are preserved
// verbatim — RFC 5322 local-parts are case-sensitive.
func (idx *Index) TestAndInsert(id string, task model.Task) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, exists := idx.owner[id]; exists {
		return existing == task
	}
	idx.owner[id] = task
	return true
}

// Len returns the number of distinct Message-ID values observed so far.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.owner)
}
