package prstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/store"
)

// ReviewerNotifier is told when reviewers should be dispatched for a
// PR (newly queued, or re-entering pending after a push).
type ReviewerNotifier interface {
	RequestReview(repo string, number int, reviewer string)
}

// MergeHook runs after a PR transitions to merged. The event router
// uses it to close linked issues.
type MergeHook func(repo string, number int, pr *PR)

// Manager owns the per-PR machines, persisting each as a snapshot plus
// an append-log of applied events. Events for one PR apply serially;
// different PRs proceed in parallel.
type Manager struct {
	st       *store.Store
	seed     func(event string) []string
	notifier ReviewerNotifier
	onMerged MergeHook

	mu       sync.Mutex
	entities map[string]*entity
}

type entity struct {
	mu sync.Mutex
	pr *PR
}

// NewManager creates a Manager. seed supplies the reviewer queue for a
// fresh PR (keyed by event name, e.g. "pull_request.opened"); notifier
// and onMerged may be nil.
func NewManager(st *store.Store, seed func(event string) []string, notifier ReviewerNotifier, onMerged MergeHook) *Manager {
	return &Manager{
		st:       st,
		seed:     seed,
		notifier: notifier,
		onMerged: onMerged,
		entities: make(map[string]*entity),
	}
}

func key(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func (m *Manager) entity(repo string, number int) *entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(repo, number)
	e, ok := m.entities[k]
	if !ok {
		e = &entity{}
		m.entities[k] = e
	}
	return e
}

// load restores a PR from its snapshot, replaying any events logged
// after the snapshot's version. Replay produces state only; reviewer
// dispatches are not repeated.
func (m *Manager) load(repo string, number int) (*PR, error) {
	pr := NewPR(repo, number)

	snap, err := m.st.GetPRSnapshot(repo, number)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(snap.Snapshot, pr); uerr != nil {
			return nil, fmt.Errorf("decoding PR snapshot %s#%d: %w", repo, number, uerr)
		}
		if pr.Verdicts == nil {
			pr.Verdicts = make(map[string]Verdict)
		}
	case errors.Is(err, fault.ErrNotFound):
		// Fresh PR.
	default:
		return nil, err
	}

	events, err := m.st.PREventsAfter(repo, number, pr.Version)
	if err != nil {
		return nil, err
	}
	for _, rec := range events {
		var ev Event
		if uerr := json.Unmarshal(rec.Payload, &ev); uerr != nil {
			log.Printf("prstate: %s#%d: skipping undecodable event %d: %v", repo, number, rec.ID, uerr)
			continue
		}
		pr.Apply(&ev, m.seedFor(ev))
		pr.Version = rec.ID
	}
	return pr, nil
}

func (m *Manager) seedFor(ev Event) []string {
	if m.seed == nil {
		return nil
	}
	return m.seed(ev.Type + "." + ev.Action)
}

// Apply logs and applies one event to the PR's machine, persists the
// new snapshot, and fires reviewer dispatches and merge hooks.
func (m *Manager) Apply(repo string, number int, ev *Event) (*PR, error) {
	e := m.entity(repo, number)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pr == nil {
		pr, err := m.load(repo, number)
		if err != nil {
			return nil, err
		}
		e.pr = pr
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	id, err := m.st.AppendPREvent(&store.PREvent{
		Repo:      repo,
		Number:    number,
		Delivery:  ev.Delivery,
		EventType: ev.Type + "." + ev.Action,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}

	wasMerged := e.pr.State == StateMerged
	dispatch := e.pr.Apply(ev, m.seedFor(*ev))
	e.pr.Version = id

	if err := m.save(e.pr); err != nil {
		return nil, err
	}

	if m.notifier != nil {
		for _, reviewer := range dispatch {
			m.notifier.RequestReview(repo, number, reviewer)
		}
	}
	if m.onMerged != nil && !wasMerged && e.pr.State == StateMerged {
		m.onMerged(repo, number, e.pr)
	}
	return e.pr.clone(), nil
}

func (m *Manager) save(pr *PR) error {
	blob, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	return m.st.SavePRSnapshot(&store.PRSnapshot{
		Repo:     pr.Repo,
		Number:   pr.Number,
		Version:  pr.Version,
		Snapshot: blob,
	})
}

// Get returns the current state for a PR, loading it if needed.
func (m *Manager) Get(repo string, number int) (*PR, error) {
	e := m.entity(repo, number)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pr == nil {
		pr, err := m.load(repo, number)
		if err != nil {
			return nil, err
		}
		if pr.State == "" {
			return nil, fault.Wrapf(fault.ErrNotFound, "no state for %s#%d", repo, number)
		}
		e.pr = pr
	}
	return e.pr.clone(), nil
}

func (pr *PR) clone() *PR {
	cp := *pr
	cp.Queue = append([]string(nil), pr.Queue...)
	cp.Deliveries = append([]string(nil), pr.Deliveries...)
	cp.Verdicts = make(map[string]Verdict, len(pr.Verdicts))
	for k, v := range pr.Verdicts {
		cp.Verdicts[k] = v
	}
	return &cp
}
