// Package prstate tracks one durable state machine per pull request.
// Events for a single PR apply serially; the resulting state is a pure
// function of the ordered event sequence.
package prstate

import (
	"regexp"
	"strings"
	"time"
)

// State is a PR's lifecycle position.
type State string

const (
	StateAwaitingReview   State = "awaiting_review"
	StateChangesRequested State = "changes_requested"
	StateApproved         State = "approved"
	StateMerged           State = "merged"
	StateClosed           State = "closed"
)

// Verdict is a queued reviewer's current position.
type Verdict string

const (
	VerdictPending          Verdict = "pending"
	VerdictCommented        Verdict = "commented"
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
)

// Merge types computed on close.
const (
	MergeNormal = "normal"
	MergeForced = "forced"
)

// PR is the full durable state for one pull request.
type PR struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`

	State     State `json:"state"`
	PrevState State `json:"prevState,omitempty"` // restored on reopen

	// Queue preserves reviewer order; Verdicts holds each queued
	// reviewer's current position.
	Queue    []string           `json:"queue"`
	Verdicts map[string]Verdict `json:"verdicts"`

	MergeType string `json:"mergeType,omitempty"`

	HeadSHA       string    `json:"headSHA,omitempty"`
	HeadUpdatedAt time.Time `json:"headUpdatedAt"`

	// LastChangesRequestedAt is the newest changes_requested verdict that
	// ever existed, surviving synchronize. Feeds the ready-to-merge
	// predicate.
	LastChangesRequestedAt time.Time `json:"lastChangesRequestedAt"`

	// Deliveries holds recently applied delivery IDs so a duplicate
	// delivery is a no-op. Bounded.
	Deliveries []string `json:"deliveries,omitempty"`

	// Version is the event-log ID of the last applied event.
	Version int64 `json:"version"`
}

// Event is the normalized webhook event the machine consumes.
type Event struct {
	Type     string `json:"type"`   // "pull_request" or "pull_request_review"
	Action   string `json:"action"` // opened, reopened, synchronize, closed, submitted
	Delivery string `json:"delivery,omitempty"`

	Reviewer    string `json:"reviewer,omitempty"`
	ReviewState string `json:"reviewState,omitempty"` // approved, changes_requested, commented
	Body        string `json:"body,omitempty"`

	Merged  bool   `json:"merged,omitempty"`
	HeadSHA string `json:"headSHA,omitempty"`

	At time.Time `json:"at"`
}

const maxDeliveries = 100

// NewPR returns an empty machine for (repo, number).
func NewPR(repo string, number int) *PR {
	return &PR{
		Repo:     repo,
		Number:   number,
		Verdicts: make(map[string]Verdict),
	}
}

// seenDelivery records the delivery and reports whether it was already
// applied.
func (pr *PR) seenDelivery(id string) bool {
	if id == "" {
		return false
	}
	for _, d := range pr.Deliveries {
		if d == id {
			return true
		}
	}
	pr.Deliveries = append(pr.Deliveries, id)
	if len(pr.Deliveries) > maxDeliveries {
		pr.Deliveries = pr.Deliveries[len(pr.Deliveries)-maxDeliveries:]
	}
	return false
}

func (pr *PR) inQueue(name string) bool {
	for _, q := range pr.Queue {
		if strings.EqualFold(q, name) {
			return true
		}
	}
	return false
}

func (pr *PR) addReviewer(name string) bool {
	if pr.inQueue(name) {
		return false
	}
	pr.Queue = append(pr.Queue, name)
	pr.Verdicts[name] = VerdictPending
	return true
}

// allApproved reports whether every queued reviewer has approved.
func (pr *PR) allApproved() bool {
	if len(pr.Queue) == 0 {
		return false
	}
	for _, q := range pr.Queue {
		if pr.Verdicts[q] != VerdictApproved {
			return false
		}
	}
	return true
}

// PendingReviewers lists queued reviewers without a verdict yet.
func (pr *PR) PendingReviewers() []string {
	var out []string
	for _, q := range pr.Queue {
		if pr.Verdicts[q] == VerdictPending {
			out = append(out, q)
		}
	}
	return out
}

// ReadyToMerge reports whether the PR can be merged cleanly: approved,
// no standing changes_requested verdicts, and a head commit newer than
// every changes_requested verdict that ever existed.
func (pr *PR) ReadyToMerge() bool {
	if pr.State != StateApproved {
		return false
	}
	for _, v := range pr.Verdicts {
		if v == VerdictChangesRequested {
			return false
		}
	}
	if !pr.LastChangesRequestedAt.IsZero() && !pr.HeadUpdatedAt.After(pr.LastChangesRequestedAt) {
		return false
	}
	return true
}

// Apply advances the machine by one event. It returns the reviewers
// that should be dispatched as a consequence (newly queued or
// re-entering pending). Duplicate deliveries are no-ops.
func (pr *PR) Apply(ev *Event, seed []string) (dispatch []string) {
	if pr.seenDelivery(ev.Delivery) {
		return nil
	}

	switch ev.Type {
	case "pull_request":
		return pr.applyPullRequest(ev, seed)
	case "pull_request_review":
		if ev.Action == "submitted" {
			return pr.applyReview(ev)
		}
	}
	return nil
}

func (pr *PR) applyPullRequest(ev *Event, seed []string) []string {
	switch ev.Action {
	case "opened":
		pr.State = StateAwaitingReview
		pr.HeadSHA = ev.HeadSHA
		pr.HeadUpdatedAt = ev.At
		for _, r := range seed {
			pr.addReviewer(r)
		}
		return pr.PendingReviewers()

	case "reopened":
		if pr.PrevState != "" {
			pr.State = pr.PrevState
			pr.PrevState = ""
		} else {
			pr.State = StateAwaitingReview
			for _, r := range seed {
				pr.addReviewer(r)
			}
		}
		return pr.PendingReviewers()

	case "synchronize":
		pr.HeadSHA = ev.HeadSHA
		pr.HeadUpdatedAt = ev.At
		var reentered []string
		for name, v := range pr.Verdicts {
			if v == VerdictChangesRequested {
				pr.Verdicts[name] = VerdictPending
				reentered = append(reentered, name)
			}
		}
		if pr.State == StateChangesRequested {
			pr.State = StateAwaitingReview
		}
		return reentered

	case "closed":
		if ev.Merged {
			pr.State = StateMerged
			if pr.allApproved() {
				pr.MergeType = MergeNormal
			} else {
				pr.MergeType = MergeForced
			}
		} else {
			pr.PrevState = pr.State
			pr.State = StateClosed
		}
	}
	return nil
}

func (pr *PR) applyReview(ev *Event) []string {
	if !pr.inQueue(ev.Reviewer) {
		// Recorded in the event log; no state effect.
		return nil
	}

	switch ev.ReviewState {
	case "commented":
		if pr.Verdicts[ev.Reviewer] == VerdictPending {
			pr.Verdicts[ev.Reviewer] = VerdictCommented
		}

	case "approved":
		pr.Verdicts[ev.Reviewer] = VerdictApproved
		var added []string
		for _, name := range ParseEscalations(ev.Body) {
			if pr.addReviewer(name) {
				added = append(added, name)
			}
		}
		if pr.allApproved() {
			pr.State = StateApproved
		}
		return added

	case "changes_requested":
		// An earlier approval by the same reviewer is reverted.
		pr.Verdicts[ev.Reviewer] = VerdictChangesRequested
		pr.State = StateChangesRequested
		if ev.At.After(pr.LastChangesRequestedAt) {
			pr.LastChangesRequestedAt = ev.At
		}
	}
	return nil
}

var escalatePattern = regexp.MustCompile(`(?is)<!--\s*escalate:\s*(.*?)-->`)

// ParseEscalations extracts reviewer names from escalation markers in a
// review body. The keyword matches case-insensitively; names keep their
// original casing; duplicates across markers collapse.
func ParseEscalations(body string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range escalatePattern.FindAllStringSubmatch(body, -1) {
		for _, raw := range strings.Split(m[1], ",") {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, name)
		}
	}
	return out
}
