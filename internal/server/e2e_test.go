package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/prstate"
	"github.com/droverhq/drover/internal/webhook"
)

// deliverySeq hands out unique delivery IDs per test run.
var deliverySeq int

func deliver(t *testing.T, s *Server, event string, payload map[string]any) *prstate.PR {
	t.Helper()
	deliverySeq++
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := postWebhook(t, s.Handler(), event, fmt.Sprintf("e2e-%d", deliverySeq), webhook.Sign(body, testSecret), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s delivery: %d %s", event, rec.Code, rec.Body.String())
	}
	pr, err := s.prs.Get("acme/widgets", 7)
	if err != nil {
		t.Fatalf("loading PR state: %v", err)
	}
	return pr
}

func prPayload(action string, merged bool, body string) map[string]any {
	return map[string]any{
		"action":       action,
		"repository":   map[string]any{"full_name": "acme/widgets"},
		"installation": map[string]any{"id": 42},
		"pull_request": map[string]any{
			"number": 7,
			"merged": merged,
			"body":   body,
			"head":   map[string]any{"sha": "abc123"},
		},
	}
}

func reviewPayload(reviewer, state, body string) map[string]any {
	p := prPayload("submitted", false, "")
	p["review"] = map[string]any{
		"state": state,
		"body":  body,
		"user":  map[string]any{"login": reviewer},
	}
	return p
}

// A PR opens with quinn queued, quinn's approval escalates to sam and
// priya, their approvals complete the queue, and the merge closes the
// linked issue. Everything flows through the webhook endpoint.
func TestEscalationFlowOverWebhook(t *testing.T) {
	s := newTestServer(t)
	seedIssue(t, s, &beads.Issue{ID: "demo-ab12", Title: "fix login", Status: beads.StatusOpen, Priority: 2})

	pr := deliver(t, s, "pull_request", prPayload("opened", false, "Closes #demo-ab12"))
	if pr.State != prstate.StateAwaitingReview {
		t.Fatalf("after open: %s", pr.State)
	}
	if len(pr.Queue) != 1 || pr.Queue[0] != "quinn" {
		t.Fatalf("seeded queue: %v", pr.Queue)
	}

	pr = deliver(t, s, "pull_request_review", reviewPayload("quinn", "approved", "LGTM <!-- escalate: sam, priya -->"))
	if pr.State != prstate.StateAwaitingReview {
		t.Fatalf("after escalating approval: %s", pr.State)
	}
	if len(pr.Queue) != 3 {
		t.Fatalf("escalated queue: %v", pr.Queue)
	}

	deliver(t, s, "pull_request_review", reviewPayload("sam", "approved", "ok"))
	pr = deliver(t, s, "pull_request_review", reviewPayload("priya", "approved", "ok"))
	if pr.State != prstate.StateApproved {
		t.Fatalf("after all approvals: %s", pr.State)
	}

	pr = deliver(t, s, "pull_request", prPayload("closed", true, "Closes #demo-ab12"))
	if pr.State != prstate.StateMerged || pr.MergeType != prstate.MergeNormal {
		t.Fatalf("after merge: %s %s", pr.State, pr.MergeType)
	}

	issues, err := s.issueSource("acme/widgets")
	if err != nil {
		t.Fatalf("issue source: %v", err)
	}
	got, err := issues.Get("demo-ab12")
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != beads.StatusClosed {
		t.Fatalf("linked issue not closed: %s", got.Status)
	}
}

func TestForceMergeOverWebhook(t *testing.T) {
	s := newTestServer(t)

	pr := deliver(t, s, "pull_request", prPayload("opened", false, ""))
	if pr.State != prstate.StateAwaitingReview {
		t.Fatalf("after open: %s", pr.State)
	}

	pr = deliver(t, s, "pull_request", prPayload("closed", true, ""))
	if pr.State != prstate.StateMerged || pr.MergeType != prstate.MergeForced {
		t.Fatalf("merge without approvals: %s %s", pr.State, pr.MergeType)
	}
}
