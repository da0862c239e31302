// Package syncer serializes reconciliation and commit-back per
// repository. Exactly one sync runs for a repository at a time; queued
// requests wait in FIFO order and duplicates collapse on the way in.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/store"
)

// Kind names a sync category. Push events map changed paths onto these.
type Kind string

const (
	KindIssues  Kind = "issues"
	KindBacklog Kind = "backlog"
	KindRoadmap Kind = "roadmap"
)

// Coordinator states persisted in the sync snapshot.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateBackoff = "backoff"
)

// Stats is what one successful sync cycle reports back.
type Stats struct {
	IssueCount     int
	MilestoneCount int
	SHA            string
}

// Runner performs the actual reconciliation for one repository and
// category. The coordinator guarantees it is never called concurrently
// for the same repository.
type Runner interface {
	Sync(ctx context.Context, repo string, kind Kind) (*Stats, error)
}

// Coordinator owns one logical worker per repository.
type Coordinator struct {
	st      *store.Store
	runner  Runner
	backoff fault.BackoffConfig

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type request struct {
	kind   Kind
	source string
	after  string // push head SHA, when known
}

type worker struct {
	repo  string
	mu    sync.Mutex
	queue []request
	busy  bool
}

// New creates a Coordinator. Call Close to drain in-flight syncs.
func New(st *store.Store, runner Runner) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		st:      st,
		runner:  runner,
		backoff: fault.BackoffConfig{Attempts: 4, Base: 500 * time.Millisecond, Max: 30 * time.Second},
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Coordinator) workerFor(repo string) *worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[repo]
	if !ok {
		w = &worker{repo: repo}
		c.workers[repo] = w
	}
	return w
}

// Enqueue adds a sync request for a repository. A request for a kind
// already queued collapses into it (keeping the newest head SHA). The
// call returns immediately; the sync runs on the repository's worker.
func (c *Coordinator) Enqueue(repo string, kind Kind, source, after string) {
	w := c.workerFor(repo)

	w.mu.Lock()
	for i := range w.queue {
		if w.queue[i].kind == kind {
			if after != "" {
				w.queue[i].after = after
			}
			w.mu.Unlock()
			return
		}
	}
	w.queue = append(w.queue, request{kind: kind, source: source, after: after})
	start := !w.busy
	if start {
		w.busy = true
	}
	w.mu.Unlock()

	if start {
		c.wg.Add(1)
		go c.drain(w)
	}
}

// drain pops the worker's queue in FIFO order until it is empty.
func (c *Coordinator) drain(w *worker) {
	defer c.wg.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.busy = false
			w.mu.Unlock()
			return
		}
		req := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		c.runOne(w.repo, req)
	}
}

func (c *Coordinator) runOne(repo string, req request) {
	snap, err := c.st.GetSyncSnapshot(repo)
	if err != nil {
		log.Printf("syncer: %s: loading snapshot: %v", repo, err)
		return
	}
	snap.State = StateSyncing
	if err := c.st.SaveSyncSnapshot(snap); err != nil {
		log.Printf("syncer: %s: saving snapshot: %v", repo, err)
	}
	if err := c.st.AppendJournal(repo, req.source, string(req.kind)+" sync"); err != nil {
		log.Printf("syncer: %s: journal: %v", repo, err)
	}

	var stats *Stats
	err = fault.Retry(c.ctx, c.backoff, func() error {
		s, serr := c.runner.Sync(c.ctx, repo, req.kind)
		if serr != nil {
			// Each failed attempt counts; success resets below.
			snap.ErrorCount++
			snap.State = StateBackoff
			if werr := c.st.SaveSyncSnapshot(snap); werr != nil {
				log.Printf("syncer: %s: saving snapshot: %v", repo, werr)
			}
			return serr
		}
		stats = s
		return nil
	})

	if err != nil {
		log.Printf("syncer: %s: %s sync failed after %d errors: %v", repo, req.kind, snap.ErrorCount, err)
		snap.State = StateIdle
		if werr := c.st.SaveSyncSnapshot(snap); werr != nil {
			log.Printf("syncer: %s: saving snapshot: %v", repo, werr)
		}
		return
	}

	now := time.Now().UTC()
	snap.State = StateIdle
	snap.ErrorCount = 0
	snap.LastSuccess = &now
	if stats != nil {
		snap.IssueCount = stats.IssueCount
		snap.MilestoneCount = stats.MilestoneCount
		if stats.SHA != "" {
			snap.LastSHA = stats.SHA
		} else if req.after != "" {
			snap.LastSHA = req.after
		}
	}
	if werr := c.st.SaveSyncSnapshot(snap); werr != nil {
		log.Printf("syncer: %s: saving snapshot: %v", repo, werr)
	}
}

// Status is the per-repository view served by the status endpoint.
type Status struct {
	State       string               `json:"state"`
	ErrorCount  int                  `json:"errorCount"`
	LastSuccess *time.Time           `json:"lastSuccess,omitempty"`
	LastSHA     string               `json:"lastSHA,omitempty"`
	IssueCount  int                  `json:"issueCount"`
	Milestones  int                  `json:"milestones"`
	RecentSyncs []store.JournalEntry `json:"recentSyncs"`
}

// Status reports the durable state plus recent journal entries.
func (c *Coordinator) Status(repo string) (*Status, error) {
	snap, err := c.st.GetSyncSnapshot(repo)
	if err != nil {
		return nil, err
	}
	entries, err := c.st.RecentJournal(repo, 20)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	return &Status{
		State:       snap.State,
		ErrorCount:  snap.ErrorCount,
		LastSuccess: snap.LastSuccess,
		LastSHA:     snap.LastSHA,
		IssueCount:  snap.IssueCount,
		Milestones:  snap.MilestoneCount,
		RecentSyncs: entries,
	}, nil
}

// Reset returns the repository's coordinator to idle with counters
// zeroed. Queued requests are kept.
func (c *Coordinator) Reset(repo string) error {
	snap := &store.SyncSnapshot{Repo: repo, State: StateIdle}
	if err := c.st.SaveSyncSnapshot(snap); err != nil {
		return err
	}
	return c.st.AppendJournal(repo, "manual", "reset")
}

// Close stops accepting work and waits for running syncs to finish.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
