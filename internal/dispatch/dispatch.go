package dispatch

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/store"
)

// Launcher starts and cancels develop workflows. The dispatcher never
// waits for a workflow; Launch returns once the work is handed off.
type Launcher interface {
	Launch(intent *store.Intent, b *store.Binding, issue *beads.Issue, agent *Agent)
	Cancel(workflowID string)
}

// Result is the assignment decision returned to the caller. Gating is a
// normal decision, not an error, so the HTTP layer always wraps it in a
// 200 ok envelope.
type Result struct {
	Triggered  bool   `json:"triggered"`
	WorkflowID string `json:"workflowId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Dispatcher applies the assignment decision table.
type Dispatcher struct {
	reg      *Registry
	st       *store.Store
	launcher Launcher
}

// New creates a Dispatcher.
func New(reg *Registry, st *store.Store, launcher Launcher) *Dispatcher {
	return &Dispatcher{reg: reg, st: st, launcher: launcher}
}

// Assign evaluates one assignee change. The decision table is ordered;
// the first matching row wins. A new workflow triggered while a prior
// one runs for the same issue cancels the prior one first, and the
// returned workflow ID is always fresh.
func (d *Dispatcher) Assign(ctx context.Context, b *store.Binding, issue *beads.Issue, assignee string) (*Result, error) {
	if d.reg.IsHuman(assignee) {
		return &Result{Reason: "assignee not an agent"}, nil
	}
	agent, ok := d.reg.Agent(assignee)
	if !ok {
		return &Result{Reason: "agent not found"}, nil
	}
	if issue.Status == beads.StatusClosed {
		return &Result{Reason: "issue is closed"}, nil
	}
	if issue.Status == beads.StatusBlocked {
		return &Result{Reason: "issue is blocked"}, nil
	}

	repo := b.FullName()
	if prior, err := d.st.ActiveIntent(repo, issue.ID); err == nil {
		if strings.EqualFold(prior.Agent, agent.Name) {
			return &Result{Reason: "already assigned"}, nil
		}
		// A different agent takes over; the running workflow is cancelled
		// before the new one starts.
		d.launcher.Cancel(prior.ID)
		prior.State = store.IntentCancelled
		if uerr := d.st.UpdateIntent(prior); uerr != nil {
			return nil, uerr
		}
		log.Printf("dispatch: %s/%s: cancelled workflow %s for reassignment to %s", repo, issue.ID, prior.ID, agent.Name)
	}

	intent := &store.Intent{
		ID:      NewWorkflowID(),
		Repo:    repo,
		IssueID: issue.ID,
		Agent:   agent.Name,
	}
	if err := d.st.CreateIntent(intent); err != nil {
		return nil, err
	}
	d.launcher.Launch(intent, b, issue, agent)
	return &Result{Triggered: true, WorkflowID: intent.ID}, nil
}

// CancelForIssue cancels any running workflow for the issue. Used by
// the event router when an issue becomes blocked.
func (d *Dispatcher) CancelForIssue(repo, issueID string) bool {
	prior, err := d.st.ActiveIntent(repo, issueID)
	if err != nil {
		return false
	}
	d.launcher.Cancel(prior.ID)
	prior.State = store.IntentCancelled
	if err := d.st.UpdateIntent(prior); err != nil {
		log.Printf("dispatch: %s/%s: marking %s cancelled: %v", repo, issueID, prior.ID, err)
	}
	return true
}

// NewWorkflowID mints a fresh workflow identifier.
func NewWorkflowID() string {
	return "wf-" + uuid.NewString()[:8]
}
