package prstate

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/store"
)

type recordingNotifier struct {
	mu       sync.Mutex
	requests []string
}

func (n *recordingNotifier) RequestReview(repo string, number int, reviewer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, reviewer)
}

func newTestManager(t *testing.T) (*Manager, *recordingNotifier, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	n := &recordingNotifier{}
	seed := func(event string) []string {
		if event == "pull_request.opened" {
			return []string{"quinn"}
		}
		return nil
	}
	return NewManager(st, seed, n, nil), n, st
}

func TestManagerAppliesAndPersists(t *testing.T) {
	m, n, st := newTestManager(t)

	pr, err := m.Apply("acme/widgets", 5, opened(base))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pr.State != StateAwaitingReview || len(n.requests) != 1 {
		t.Fatalf("state=%s requests=%v", pr.State, n.requests)
	}

	pr, err = m.Apply("acme/widgets", 5, review("quinn", "approved", "ok", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("apply review: %v", err)
	}
	if pr.State != StateApproved {
		t.Fatalf("state: %s", pr.State)
	}

	// A fresh manager over the same store restores the machine.
	m2 := NewManager(st, func(string) []string { return []string{"quinn"} }, nil, nil)
	got, err := m2.Get("acme/widgets", 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateApproved || got.Verdicts["quinn"] != VerdictApproved {
		t.Fatalf("restored state: %+v", got)
	}
}

func TestManagerReplaysEventsAfterSnapshot(t *testing.T) {
	m, _, st := newTestManager(t)

	if _, err := m.Apply("acme/widgets", 6, opened(base)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Simulate a crash between log append and snapshot save: log an
	// event directly, bypassing the manager.
	pr, _ := m.Get("acme/widgets", 6)
	ev := review("quinn", "approved", "", base.Add(time.Hour))
	payload := []byte(`{"type":"pull_request_review","action":"submitted","reviewer":"quinn","reviewState":"approved","at":"2026-08-01T13:00:00Z"}`)
	if _, err := st.AppendPREvent(&store.PREvent{
		Repo: "acme/widgets", Number: 6,
		EventType: ev.Type + "." + ev.Action, Payload: payload,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if pr.State != StateAwaitingReview {
		t.Fatalf("precondition: %s", pr.State)
	}

	m2 := NewManager(st, func(string) []string { return []string{"quinn"} }, nil, nil)
	got, err := m2.Get("acme/widgets", 6)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateApproved {
		t.Fatalf("replay missed the logged event: %s", got.State)
	}
}

func TestManagerMergeHookFiresOnce(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	merges := 0
	m := NewManager(st, nil, nil, func(repo string, number int, pr *PR) { merges++ })

	if _, err := m.Apply("acme/widgets", 7, opened(base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := m.Apply("acme/widgets", 7, closedEvent(true, base.Add(time.Hour))); err != nil {
		t.Fatalf("close: %v", err)
	}
	if merges != 1 {
		t.Fatalf("merge hook fired %d times", merges)
	}

	ev := closedEvent(true, base.Add(2*time.Hour))
	ev.Delivery = "dlv-dup"
	if _, err := m.Apply("acme/widgets", 7, ev); err != nil {
		t.Fatalf("re-close: %v", err)
	}
	if _, err := m.Apply("acme/widgets", 7, ev); err != nil {
		t.Fatalf("dup: %v", err)
	}
	if merges != 1 {
		t.Fatalf("merge hook re-fired: %d", merges)
	}
}

func TestManagerGetUnknownPR(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Get("acme/widgets", 999); err == nil {
		t.Fatal("expected NotFound for unseen PR")
	}
}
