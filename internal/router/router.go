// Package router feeds scheduled triggers and lifecycle hooks back
// into the issue store and the dispatcher: summaries, planning, epic
// closure, unblock walks, and merged-PR issue closure.
package router

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/notify"
	"github.com/droverhq/drover/internal/store"
)

// IssueSource opens the issue store for a repository's working copy.
type IssueSource func(repo string) (*beads.Store, error)

// Router reacts to issue lifecycle changes.
type Router struct {
	issues   IssueSource
	disp     *dispatch.Dispatcher
	notifier *notify.Notifier

	// CancelInFlight controls whether a newly blocked issue's running
	// workflow is cancelled, or only its future assignment cleared.
	CancelInFlight bool

	// HighPriorityMax flags blocked issues at or below this priority in
	// the daily summary.
	HighPriorityMax int
}

// New creates a Router.
func New(issues IssueSource, disp *dispatch.Dispatcher, notifier *notify.Notifier) *Router {
	return &Router{
		issues:          issues,
		disp:            disp,
		notifier:        notifier,
		CancelInFlight:  true,
		HighPriorityMax: 1,
	}
}

// Summary is the daily classification of a repository's issues.
type Summary struct {
	InProgress []*beads.Issue
	Blocked    []*beads.Issue
	Ready      []*beads.Issue

	// HighPriorityBlocked flags blocked issues that need attention.
	HighPriorityBlocked []*beads.Issue
}

// DailySummary classifies open work for one repository.
func (r *Router) DailySummary(ctx context.Context, repo string) (*Summary, error) {
	st, err := r.issues(repo)
	if err != nil {
		return nil, err
	}
	g := st.Graph()

	s := &Summary{}
	for _, issue := range st.List() {
		switch issue.Status {
		case beads.StatusInProgress:
			s.InProgress = append(s.InProgress, issue)
		case beads.StatusBlocked:
			s.Blocked = append(s.Blocked, issue)
			if issue.Priority <= r.HighPriorityMax {
				s.HighPriorityBlocked = append(s.HighPriorityBlocked, issue)
			}
		case beads.StatusOpen:
			if g.Ready(issue.ID) {
				s.Ready = append(s.Ready, issue)
			}
		}
	}

	if r.notifier.Enabled() {
		if err := r.notifier.Post(ctx, formatSummary(repo, s)); err != nil {
			log.Printf("router: %s: posting summary: %v", repo, err)
		}
	}
	return s, nil
}

func formatSummary(repo string, s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* daily: %d in progress, %d blocked, %d ready\n",
		repo, len(s.InProgress), len(s.Blocked), len(s.Ready))
	for _, issue := range s.HighPriorityBlocked {
		fmt.Fprintf(&b, ":rotating_light: P%d %s blocked: %s\n", issue.Priority, issue.ID, issue.Title)
	}
	return b.String()
}

// WeeklyPlan returns the ready issues ranked by priority then impact
// (transitively blocked count), the ordering the planning report uses.
func (r *Router) WeeklyPlan(ctx context.Context, repo string) ([]*beads.Issue, error) {
	st, err := r.issues(repo)
	if err != nil {
		return nil, err
	}
	ranked := st.Graph().ReadyIssues()

	if r.notifier.Enabled() {
		var b strings.Builder
		fmt.Fprintf(&b, "*%s* weekly plan (%d ready):\n", repo, len(ranked))
		for i, issue := range ranked {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "%d. P%d %s: %s\n", i+1, issue.Priority, issue.ID, issue.Title)
		}
		if err := r.notifier.Post(ctx, b.String()); err != nil {
			log.Printf("router: %s: posting plan: %v", repo, err)
		}
	}
	return ranked, nil
}

// OnIssueClosed closes the issue, walks the issues it was blocking,
// and dispatches any that became ready and carry an agent assignee. It
// also closes a parent epic whose children are now all closed.
func (r *Router) OnIssueClosed(ctx context.Context, b *store.Binding, issueID string) error {
	st, err := r.issues(b.FullName())
	if err != nil {
		return err
	}
	closing, err := st.Get(issueID)
	if err != nil {
		return err
	}
	if closing.Status != beads.StatusClosed {
		if err := st.Close(issueID); err != nil {
			return err
		}
	}

	g := st.Graph()
	for _, unblockedID := range g.Blocks(issueID) {
		issue, err := st.Get(unblockedID)
		if err != nil {
			continue
		}
		if issue.Status != beads.StatusOpen || !g.Ready(issue.ID) || issue.Assignee == "" {
			continue
		}
		res, err := r.disp.Assign(ctx, b, issue, issue.Assignee)
		if err != nil {
			log.Printf("router: %s: dispatching unblocked %s: %v", b.FullName(), issue.ID, err)
			continue
		}
		if res.Triggered {
			log.Printf("router: %s: %s unblocked, workflow %s", b.FullName(), issue.ID, res.WorkflowID)
		}
	}

	// Epic auto-close.
	if closing.Parent != "" {
		if g.EpicComplete(closing.Parent) {
			if err := st.Close(closing.Parent); err != nil {
				return err
			}
			log.Printf("router: %s: epic %s complete, closed", b.FullName(), closing.Parent)
		}
	}
	return nil
}

// OnIssueBlocked clears the issue's assignee so the agent frees up for
// ready work, and (configurably) cancels a workflow already in flight.
func (r *Router) OnIssueBlocked(ctx context.Context, b *store.Binding, issueID string) error {
	st, err := r.issues(b.FullName())
	if err != nil {
		return err
	}
	issue, err := st.Get(issueID)
	if err != nil {
		return err
	}
	if issue.Assignee != "" {
		if err := st.SetAssignee(issueID, ""); err != nil {
			return err
		}
	}
	if r.CancelInFlight {
		if r.disp.CancelForIssue(b.FullName(), issueID) {
			log.Printf("router: %s: cancelled in-flight workflow for blocked %s", b.FullName(), issueID)
		}
	}
	return nil
}

var closesPattern = regexp.MustCompile(`(?i)\bcloses\s+#([A-Za-z0-9][A-Za-z0-9._-]*)`)

// LinkedIssues extracts issue keys from "Closes #key" references in a
// PR body.
func LinkedIssues(body string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range closesPattern.FindAllStringSubmatch(body, -1) {
		key := m[1]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// OnPRMerged ensures issues referenced by the merged PR body close
// locally, then runs the unblock walk for each.
func (r *Router) OnPRMerged(ctx context.Context, b *store.Binding, prBody string) error {
	st, err := r.issues(b.FullName())
	if err != nil {
		return err
	}
	for _, key := range LinkedIssues(prBody) {
		if _, err := st.Get(key); err != nil {
			log.Printf("router: %s: merged PR references unknown issue %s", b.FullName(), key)
			continue
		}
		if err := r.OnIssueClosed(ctx, b, key); err != nil {
			return err
		}
	}
	return nil
}

// RunDaily fires DailySummary for every bound repository on a ticker.
// Blocks until ctx is cancelled; callers run it in a goroutine.
func (r *Router) RunDaily(ctx context.Context, bindings func() ([]*store.Binding, error), every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			list, err := bindings()
			if err != nil {
				log.Printf("router: listing bindings: %v", err)
				continue
			}
			for _, b := range list {
				if _, err := r.DailySummary(ctx, b.FullName()); err != nil {
					log.Printf("router: %s: daily summary: %v", b.FullName(), err)
				}
			}
		}
	}
}
