package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/store"
)

type fakeLauncher struct {
	mu        sync.Mutex
	launched  []string
	cancelled []string
}

func (f *fakeLauncher) Launch(intent *store.Intent, _ *store.Binding, _ *beads.Issue, _ *Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, intent.ID)
}

func (f *fakeLauncher) Cancel(workflowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, workflowID)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeLauncher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := NewRegistry(
		[]Agent{
			{Name: "cody", Tier: TierSandbox, Roles: []string{"develop"}},
			{Name: "tom", Tier: TierSandbox, Roles: []string{"develop"}},
		},
		[]string{"alice"},
		nil,
	)
	l := &fakeLauncher{}
	return New(reg, st, l), l, st
}

var binding = &store.Binding{Owner: "acme", Name: "widgets", InstallationID: 42}

func openIssue(id string) *beads.Issue {
	return &beads.Issue{ID: id, Title: "t", Status: beads.StatusOpen, Priority: 2, Kind: beads.KindTask}
}

func TestAssignHappyPathThenReassign(t *testing.T) {
	d, l, st := newTestDispatcher(t)
	issue := openIssue("demo-ab12")

	res, err := d.Assign(context.Background(), binding, issue, "cody")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Triggered || res.WorkflowID == "" {
		t.Fatalf("expected trigger, got %+v", res)
	}
	first := res.WorkflowID

	// Same agent again: gated, no new workflow.
	res, err = d.Assign(context.Background(), binding, issue, "cody")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Triggered || res.Reason != "already assigned" {
		t.Fatalf("expected already assigned, got %+v", res)
	}

	// Different agent: prior workflow cancelled, fresh ID returned.
	res, err = d.Assign(context.Background(), binding, issue, "tom")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.Triggered || res.WorkflowID == first {
		t.Fatalf("expected fresh workflow, got %+v (first %s)", res, first)
	}
	if len(l.cancelled) != 1 || l.cancelled[0] != first {
		t.Fatalf("prior workflow not cancelled: %v", l.cancelled)
	}
	prior, err := st.GetIntent(first)
	if err != nil {
		t.Fatalf("get prior intent: %v", err)
	}
	if prior.State != store.IntentCancelled {
		t.Fatalf("prior intent state = %s", prior.State)
	}
}

func TestAssignGates(t *testing.T) {
	d, l, _ := newTestDispatcher(t)

	cases := []struct {
		name     string
		issue    *beads.Issue
		assignee string
		reason   string
	}{
		{"human assignee", openIssue("demo-1111"), "alice", "assignee not an agent"},
		{"unknown name", openIssue("demo-2222"), "nobody", "agent not found"},
		{"closed issue", func() *beads.Issue {
			i := openIssue("demo-3333")
			i.Status = beads.StatusClosed
			return i
		}(), "cody", "issue is closed"},
		{"blocked issue", func() *beads.Issue {
			i := openIssue("demo-4444")
			i.Status = beads.StatusBlocked
			return i
		}(), "cody", "issue is blocked"},
	}
	for _, tc := range cases {
		res, err := d.Assign(context.Background(), binding, tc.issue, tc.assignee)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Triggered || res.Reason != tc.reason {
			t.Fatalf("%s: got %+v, want reason %q", tc.name, res, tc.reason)
		}
	}
	if len(l.launched) != 0 {
		t.Fatalf("gated assignments launched workflows: %v", l.launched)
	}
}

func TestAssignDistinctIssuesRunInParallel(t *testing.T) {
	d, l, _ := newTestDispatcher(t)

	res1, err := d.Assign(context.Background(), binding, openIssue("demo-aaaa"), "cody")
	if err != nil {
		t.Fatalf("assign 1: %v", err)
	}
	res2, err := d.Assign(context.Background(), binding, openIssue("demo-bbbb"), "cody")
	if err != nil {
		t.Fatalf("assign 2: %v", err)
	}
	if !res1.Triggered || !res2.Triggered || res1.WorkflowID == res2.WorkflowID {
		t.Fatalf("expected two distinct workflows: %+v %+v", res1, res2)
	}
	if len(l.launched) != 2 {
		t.Fatalf("launched: %v", l.launched)
	}
}

func TestCancelForIssue(t *testing.T) {
	d, l, st := newTestDispatcher(t)
	issue := openIssue("demo-cccc")

	res, err := d.Assign(context.Background(), binding, issue, "cody")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !d.CancelForIssue(binding.FullName(), issue.ID) {
		t.Fatal("expected cancellation")
	}
	if len(l.cancelled) != 1 || l.cancelled[0] != res.WorkflowID {
		t.Fatalf("cancelled: %v", l.cancelled)
	}
	got, _ := st.GetIntent(res.WorkflowID)
	if got.State != store.IntentCancelled {
		t.Fatalf("state = %s", got.State)
	}

	// Nothing left to cancel.
	if d.CancelForIssue(binding.FullName(), issue.ID) {
		t.Fatal("second cancel should be a no-op")
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	reg := DefaultRegistry()
	if _, ok := reg.Agent("Cody"); !ok {
		t.Fatal("case-insensitive lookup failed")
	}
	reviewers := reg.ReviewersFor("pull_request.opened")
	if len(reviewers) != 1 || reviewers[0] != "quinn" {
		t.Fatalf("reviewers: %v", reviewers)
	}
}
