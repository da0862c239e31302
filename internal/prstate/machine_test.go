package prstate

import (
	"reflect"
	"testing"
	"time"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func opened(at time.Time) *Event {
	return &Event{Type: "pull_request", Action: "opened", HeadSHA: "sha-0", At: at}
}

func review(reviewer, state, body string, at time.Time) *Event {
	return &Event{Type: "pull_request_review", Action: "submitted", Reviewer: reviewer, ReviewState: state, Body: body, At: at}
}

func closedEvent(merged bool, at time.Time) *Event {
	return &Event{Type: "pull_request", Action: "closed", Merged: merged, At: at}
}

func seedQuinn(string) []string { return []string{"quinn"} }

func TestEscalationParser(t *testing.T) {
	cases := []struct {
		body string
		want []string
	}{
		{"", nil},
		{"no markers here", nil},
		{"LGTM <!-- escalate: sam, priya -->", []string{"sam", "priya"}},
		{"<!-- ESCALATE: Sam -->", []string{"Sam"}},
		{"<!-- escalate: sam --> and <!-- escalate: SAM, priya -->", []string{"sam", "priya"}},
		{"<!-- escalate: , , -->", nil},
		{"<!--escalate:alone-->", []string{"alone"}},
	}
	for _, tc := range cases {
		got := ParseEscalations(tc.body)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("parse(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}

func TestEscalationFlow(t *testing.T) {
	pr := NewPR("acme/widgets", 5)

	dispatch := pr.Apply(opened(base), []string{"quinn"})
	if pr.State != StateAwaitingReview {
		t.Fatalf("state after open: %s", pr.State)
	}
	if !reflect.DeepEqual(dispatch, []string{"quinn"}) {
		t.Fatalf("initial dispatch: %v", dispatch)
	}

	dispatch = pr.Apply(review("quinn", "approved", "LGTM <!-- escalate: sam, priya -->", base.Add(time.Hour)), nil)
	if pr.State != StateAwaitingReview {
		t.Fatalf("escalation must hold the state: %s", pr.State)
	}
	if !reflect.DeepEqual(dispatch, []string{"sam", "priya"}) {
		t.Fatalf("escalated dispatch: %v", dispatch)
	}
	if pr.Verdicts["quinn"] != VerdictApproved || pr.Verdicts["sam"] != VerdictPending {
		t.Fatalf("verdicts: %v", pr.Verdicts)
	}

	pr.Apply(review("sam", "approved", "", base.Add(2*time.Hour)), nil)
	if pr.State != StateAwaitingReview {
		t.Fatalf("one pending reviewer left, state: %s", pr.State)
	}
	pr.Apply(review("priya", "approved", "", base.Add(3*time.Hour)), nil)
	if pr.State != StateApproved {
		t.Fatalf("all approved, state: %s", pr.State)
	}

	pr.Apply(closedEvent(true, base.Add(4*time.Hour)), nil)
	if pr.State != StateMerged || pr.MergeType != MergeNormal {
		t.Fatalf("merge: state=%s type=%s", pr.State, pr.MergeType)
	}
}

func TestForceMerge(t *testing.T) {
	pr := NewPR("acme/widgets", 6)
	pr.Apply(opened(base), []string{"quinn"})
	pr.Apply(closedEvent(true, base.Add(time.Minute)), nil)
	if pr.State != StateMerged || pr.MergeType != MergeForced {
		t.Fatalf("state=%s type=%s", pr.State, pr.MergeType)
	}
}

func TestChangesRequestedAndSynchronize(t *testing.T) {
	pr := NewPR("acme/widgets", 7)
	pr.Apply(opened(base), []string{"quinn"})

	pr.Apply(review("quinn", "changes_requested", "needs tests", base.Add(time.Hour)), nil)
	if pr.State != StateChangesRequested {
		t.Fatalf("state: %s", pr.State)
	}
	if pr.ReadyToMerge() {
		t.Fatal("must not be ready with standing changes_requested")
	}

	// A push clears the verdict; the reviewer re-enters pending.
	dispatch := pr.Apply(&Event{Type: "pull_request", Action: "synchronize", HeadSHA: "sha-1", At: base.Add(2 * time.Hour)}, nil)
	if pr.State != StateAwaitingReview {
		t.Fatalf("state after synchronize: %s", pr.State)
	}
	if !reflect.DeepEqual(dispatch, []string{"quinn"}) {
		t.Fatalf("re-entry dispatch: %v", dispatch)
	}

	pr.Apply(review("quinn", "approved", "", base.Add(3*time.Hour)), nil)
	if pr.State != StateApproved || !pr.ReadyToMerge() {
		t.Fatalf("state=%s ready=%v", pr.State, pr.ReadyToMerge())
	}
}

func TestReadyToMergeRequiresFreshHead(t *testing.T) {
	pr := NewPR("acme/widgets", 8)
	pr.Apply(opened(base), []string{"quinn"})
	pr.Apply(review("quinn", "changes_requested", "", base.Add(2*time.Hour)), nil)

	// Approval without a newer head commit is not mergeable.
	pr.Verdicts["quinn"] = VerdictApproved
	pr.State = StateApproved
	if pr.ReadyToMerge() {
		t.Fatal("head is older than the changes_requested verdict")
	}
	pr.HeadUpdatedAt = base.Add(3 * time.Hour)
	if !pr.ReadyToMerge() {
		t.Fatal("fresh head should be mergeable")
	}
}

func TestApprovedThenChangesRequestedReverts(t *testing.T) {
	pr := NewPR("acme/widgets", 9)
	pr.Apply(opened(base), []string{"quinn"})
	pr.Apply(review("quinn", "approved", "", base.Add(time.Hour)), nil)
	if pr.State != StateApproved {
		t.Fatalf("state: %s", pr.State)
	}
	pr.Apply(review("quinn", "changes_requested", "second thoughts", base.Add(2*time.Hour)), nil)
	if pr.State != StateChangesRequested {
		t.Fatalf("late changes_requested must revert, state: %s", pr.State)
	}
}

func TestCommentAndStrangerReviewsDoNotTransition(t *testing.T) {
	pr := NewPR("acme/widgets", 10)
	pr.Apply(opened(base), []string{"quinn"})

	pr.Apply(review("quinn", "commented", "looking", base.Add(time.Hour)), nil)
	if pr.State != StateAwaitingReview {
		t.Fatalf("comment transitioned: %s", pr.State)
	}

	pr.Apply(review("stranger", "approved", "", base.Add(2*time.Hour)), nil)
	if pr.State != StateAwaitingReview || pr.inQueue("stranger") {
		t.Fatalf("non-queue review had effect: %s %v", pr.State, pr.Queue)
	}
}

func TestCloseAndReopenRestoresState(t *testing.T) {
	pr := NewPR("acme/widgets", 11)
	pr.Apply(opened(base), []string{"quinn"})
	pr.Apply(review("quinn", "approved", "", base.Add(time.Hour)), nil)

	pr.Apply(closedEvent(false, base.Add(2*time.Hour)), nil)
	if pr.State != StateClosed {
		t.Fatalf("state: %s", pr.State)
	}
	pr.Apply(&Event{Type: "pull_request", Action: "reopened", At: base.Add(3 * time.Hour)}, nil)
	if pr.State != StateApproved {
		t.Fatalf("reopen must restore prior state, got %s", pr.State)
	}
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	pr := NewPR("acme/widgets", 12)
	pr.Apply(opened(base), []string{"quinn"})

	ev := review("quinn", "changes_requested", "", base.Add(time.Hour))
	ev.Delivery = "dlv-1"
	pr.Apply(ev, nil)
	state := pr.State

	dispatch := pr.Apply(ev, nil)
	if pr.State != state || dispatch != nil {
		t.Fatalf("duplicate delivery had effect: %s %v", pr.State, dispatch)
	}
}

func TestFinalStateIsPureFunctionOfEventOrder(t *testing.T) {
	events := []*Event{
		opened(base),
		review("quinn", "approved", "<!-- escalate: sam -->", base.Add(1 * time.Hour)),
		review("sam", "changes_requested", "", base.Add(2 * time.Hour)),
		{Type: "pull_request", Action: "synchronize", HeadSHA: "sha-2", At: base.Add(3 * time.Hour)},
		review("sam", "approved", "", base.Add(4 * time.Hour)),
		closedEvent(true, base.Add(5 * time.Hour)),
	}

	run := func() *PR {
		pr := NewPR("acme/widgets", 13)
		for _, ev := range events {
			pr.Apply(ev, seedQuinn(""))
		}
		return pr
	}
	a, b := run(), run()
	if a.State != b.State || a.MergeType != b.MergeType || !reflect.DeepEqual(a.Verdicts, b.Verdicts) {
		t.Fatalf("same events, different outcomes: %+v vs %+v", a, b)
	}
	if a.State != StateMerged || a.MergeType != MergeNormal {
		t.Fatalf("final: state=%s type=%s", a.State, a.MergeType)
	}
}
