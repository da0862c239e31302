// Package reconcile implements three-way merging of one issue across the
// local beads store, the server-side mirror, and the forge. The mirror is
// the last reconciled view and serves as the merge base; the local store
// and the forge are the two sides that may have diverged from it.
package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/forge"
)

// Policy selects how write-write conflicts are resolved.
type Policy string

const (
	PolicyLocalWins       Policy = "local-wins"
	PolicyRemoteWins      Policy = "remote-wins"
	PolicyNewestWins      Policy = "newest-wins"
	PolicySurfaceConflict Policy = "surface-conflict"
)

// ConflictWindow is how close two timestamps must be for simultaneous
// edits of the same field to count as a conflict rather than a clean
// newest-wins ordering.
const ConflictWindow = 24 * time.Hour

// record is the normalized single-side view of an issue. Absent sides
// have exists=false.
type record struct {
	exists    bool
	title     string
	body      string
	closed    bool
	priority  int
	hasPrio   bool // forge side may carry no P-label; treat as unchanged
	assignee  string
	labels    []string // non-priority labels, sorted
	updatedAt time.Time
	closedAt  *time.Time
}

func fromLocal(i *beads.Issue) record {
	if i == nil {
		return record{}
	}
	return record{
		exists:    true,
		title:     i.Title,
		body:      i.Body,
		closed:    i.Status == beads.StatusClosed,
		priority:  i.Priority,
		hasPrio:   true,
		assignee:  i.Assignee,
		labels:    plainLabels(i.Labels),
		updatedAt: i.UpdatedAt,
		closedAt:  i.ClosedAt,
	}
}

func fromForge(fi *forge.Issue) record {
	if fi == nil {
		return record{}
	}
	prio, hasPrio := beads.PriorityFromLabels(fi.Labels)
	return record{
		exists:    true,
		title:     fi.Title,
		body:      fi.Body,
		closed:    fi.State == "closed",
		priority:  prio,
		hasPrio:   hasPrio,
		assignee:  fi.Assignee,
		labels:    plainLabels(fi.Labels),
		updatedAt: fi.UpdatedAt,
		closedAt:  fi.ClosedAt,
	}
}

// plainLabels strips priority labels and sorts the rest.
func plainLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if _, ok := beads.PriorityFromLabels([]string{l}); ok {
			continue
		}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Outcome describes what reconciliation decided for one issue.
type Outcome struct {
	// Issue is the merged canonical record (local shape).
	Issue *beads.Issue

	// CreateLocal / CreateRemote request creation of a missing side.
	CreateLocal  bool
	CreateRemote bool

	// UpdateLocal / UpdateRemote request propagation of merged fields to
	// a side that drifted from the merge result.
	UpdateLocal  bool
	UpdateRemote bool

	// Conflicts lists field names surfaced under PolicySurfaceConflict.
	Conflicts []string
}

// Merge reconciles one issue across the three sides. mirror may be nil
// for a first encounter; local and remote may each be nil when the
// record exists on one side only.
func Merge(local, mirror *beads.Issue, remote *forge.Issue, policy Policy) (*Outcome, error) {
	l, m, r := fromLocal(local), fromLocal(mirror), fromForge(remote)

	if !l.exists && !r.exists {
		return nil, fault.Wrapf(fault.ErrNotFound, "issue absent on both sides")
	}

	// One-sided records are created on the other side verbatim.
	if !l.exists {
		issue := issueFromForge(remote)
		return &Outcome{Issue: issue, CreateLocal: true}, nil
	}
	if !r.exists {
		out := &Outcome{Issue: local.Clone(), CreateRemote: true}
		return out, nil
	}

	merged := local.Clone()
	if remote.Number != 0 {
		merged.ForgeNumber = remote.Number
	}

	var conflicts []string
	changedLocal := false
	changedRemote := false

	pick := func(field string, lChanged, rChanged bool, takeLocal, takeRemote func()) {
		switch {
		case lChanged && !rChanged:
			takeLocal()
			changedRemote = true
		case rChanged && !lChanged:
			takeRemote()
			changedLocal = true
		case lChanged && rChanged:
			winner, conflict := resolve(policy, l.updatedAt, r.updatedAt)
			if conflict {
				conflicts = append(conflicts, field)
				return
			}
			if winner == sideLocal {
				takeLocal()
				changedRemote = true
			} else {
				takeRemote()
				changedLocal = true
			}
		}
	}

	pick("title",
		m.exists && l.title != m.title || !m.exists && l.title != r.title,
		m.exists && r.title != m.title,
		func() { merged.Title = l.title },
		func() { merged.Title = r.title },
	)

	pick("body",
		m.exists && l.body != m.body,
		m.exists && r.body != m.body || !m.exists && r.body != l.body,
		func() { merged.Body = l.body },
		func() { merged.Body = r.body },
	)

	pick("assignee",
		m.exists && l.assignee != m.assignee,
		m.exists && r.assignee != m.assignee || !m.exists && r.assignee != l.assignee && r.assignee != "",
		func() { merged.Assignee = l.assignee },
		func() { merged.Assignee = r.assignee },
	)

	pick("labels",
		m.exists && !equalLabels(l.labels, m.labels),
		m.exists && !equalLabels(r.labels, m.labels) || !m.exists && !equalLabels(r.labels, l.labels),
		func() { merged.Labels = withPriorityLabel(l.labels, merged.Priority) },
		func() { merged.Labels = withPriorityLabel(r.labels, merged.Priority) },
	)

	// Priority: a forge side with no P-label has not changed priority.
	// Never interpret an absent label as "reset to default".
	if r.hasPrio {
		pick("priority",
			m.exists && l.priority != m.priority,
			m.exists && r.priority != m.priority || !m.exists && r.priority != l.priority,
			func() { merged.Priority = l.priority },
			func() { merged.Priority = r.priority },
		)
	}
	merged.Labels = withPriorityLabel(plainLabels(merged.Labels), merged.Priority)

	// Closed state propagates in both directions, regardless of policy.
	if l.closed != r.closed {
		merged.Status = beads.StatusClosed
		if l.closed {
			merged.ClosedAt = l.closedAt
			changedRemote = true
		} else {
			merged.ClosedAt = r.closedAt
			changedLocal = true
		}
	}
	// Blocked is derived from dependency edges locally; it never crosses
	// the boundary (the forge only knows open/closed).

	if len(conflicts) > 0 {
		return &Outcome{Issue: merged, Conflicts: conflicts},
			fault.Wrapf(fault.ErrConflict, "fields %s changed on both sides", strings.Join(conflicts, ", "))
	}

	return &Outcome{
		Issue:        merged,
		UpdateLocal:  changedLocal,
		UpdateRemote: changedRemote,
	}, nil
}

type side int

const (
	sideLocal side = iota
	sideRemote
)

// resolve decides the winning side for a both-changed field.
func resolve(policy Policy, localAt, remoteAt time.Time) (side, bool) {
	switch policy {
	case PolicyLocalWins:
		return sideLocal, false
	case PolicyRemoteWins:
		return sideRemote, false
	case PolicySurfaceConflict:
		diff := localAt.Sub(remoteAt)
		if diff < 0 {
			diff = -diff
		}
		if diff <= ConflictWindow {
			return 0, true
		}
		fallthrough
	default: // newest-wins
		if remoteAt.After(localAt) {
			return sideRemote, false
		}
		return sideLocal, false
	}
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func withPriorityLabel(plain []string, priority int) []string {
	out := append([]string(nil), plain...)
	out = append(out, beads.PriorityLabel(priority))
	sort.Strings(out)
	return out
}

// issueFromForge builds a fresh local record for a forge-only issue.
func issueFromForge(fi *forge.Issue) *beads.Issue {
	prio, ok := beads.PriorityFromLabels(fi.Labels)
	if !ok {
		prio = beads.DefaultPriority
	}
	status := beads.StatusOpen
	if fi.State == "closed" {
		status = beads.StatusClosed
	}
	slug := slugify(fi.Title)
	issue := &beads.Issue{
		ID:          beads.NewID(slug),
		ForgeNumber: fi.Number,
		Title:       fi.Title,
		Body:        fi.Body,
		Status:      status,
		Priority:    prio,
		Kind:        beads.KindTask,
		Assignee:    fi.Assignee,
		Labels:      withPriorityLabel(plainLabels(fi.Labels), prio),
		CreatedAt:   fi.UpdatedAt,
		UpdatedAt:   fi.UpdatedAt,
		ClosedAt:    fi.ClosedAt,
	}
	return issue
}

// slugify reduces a title to a short dashed slug for local IDs.
func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 24 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "issue"
	}
	return slug
}

// ToForge converts a merged local record into the forge-side shape for
// propagation.
func ToForge(i *beads.Issue) *forge.Issue {
	state := "open"
	if i.Status == beads.StatusClosed {
		state = "closed"
	}
	return &forge.Issue{
		Number:   i.ForgeNumber,
		Title:    i.Title,
		Body:     i.Body,
		State:    state,
		Labels:   withPriorityLabel(plainLabels(i.Labels), i.Priority),
		Assignee: i.Assignee,
		ClosedAt: i.ClosedAt,
	}
}

// String implements fmt.Stringer for diagnostics.
func (o *Outcome) String() string {
	return fmt.Sprintf("issue=%s createLocal=%v createRemote=%v updateLocal=%v updateRemote=%v conflicts=%v",
		o.Issue.ID, o.CreateLocal, o.CreateRemote, o.UpdateLocal, o.UpdateRemote, o.Conflicts)
}
