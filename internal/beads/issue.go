// Package beads implements the local JSONL-backed issue store kept inside
// a git repository, plus the dependency graph derived from it.
package beads

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an issue.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Kind classifies an issue.
type Kind string

const (
	KindTask    Kind = "task"
	KindBug     Kind = "bug"
	KindFeature Kind = "feature"
	KindEpic    Kind = "epic"
)

// DefaultPriority is used when a priority cannot be parsed.
const DefaultPriority = 2

// Issue is the canonical issue record. It is the unit stored one-per-line
// in the JSONL file and the shape reconciled against the forge.
type Issue struct {
	ID          string     `json:"id"`
	ForgeNumber int        `json:"forge_number,omitempty"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Kind        Kind       `json:"kind"`
	Assignee    string     `json:"assignee,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Parent      string     `json:"parent,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	out := *i
	out.Labels = append([]string(nil), i.Labels...)
	out.DependsOn = append([]string(nil), i.DependsOn...)
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NewID builds a local issue ID from a slug plus a short random suffix,
// e.g. "login-crash-3f2a".
func NewID(slug string) string {
	slug = strings.Trim(strings.ToLower(strings.TrimSpace(slug)), "-")
	if slug == "" {
		slug = "issue"
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:4]
	return slug + "-" + suffix
}

// ParseID validates an issue ID. IDs must be non-empty after trimming.
func ParseID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("issue ID is empty")
	}
	return id, nil
}

// ClampPriority forces a priority into the 0..4 range (0 is highest).
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 4 {
		return 4
	}
	return p
}

// ParsePriority parses a priority from its string form, clamping out-of-
// range values and falling back to DefaultPriority on anything that does
// not parse as a finite integer.
func ParsePriority(raw string) int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultPriority
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Tolerate float-ish input ("1.0"); NaN and friends fall through.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != f {
			return DefaultPriority
		}
		n = int(f)
	}
	return ClampPriority(n)
}

// PriorityLabel returns the forge label for a priority ("P0".."P4").
func PriorityLabel(p int) string {
	return "P" + strconv.Itoa(ClampPriority(p))
}

// PriorityFromLabels extracts a priority from forge labels. The second
// return is false when no P-label is present; callers must treat that as
// "unchanged", not "reset to default" (the local merge tool is known to
// drop the zero-valued P0).
func PriorityFromLabels(labels []string) (int, bool) {
	for _, l := range labels {
		if len(l) == 2 && (l[0] == 'P' || l[0] == 'p') && l[1] >= '0' && l[1] <= '4' {
			return int(l[1] - '0'), true
		}
	}
	return 0, false
}

// ParseKind normalizes a kind string, defaulting to task.
func ParseKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindBug:
		return KindBug
	case KindFeature:
		return KindFeature
	case KindEpic:
		return KindEpic
	default:
		return KindTask
	}
}

// MarshalLine encodes an issue as a single JSONL line (no trailing newline).
func (i *Issue) MarshalLine() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalLine decodes a single JSONL line into an issue.
func UnmarshalLine(line []byte) (*Issue, error) {
	var issue Issue
	if err := json.Unmarshal(line, &issue); err != nil {
		return nil, fmt.Errorf("parsing issue line: %w", err)
	}
	id, err := ParseID(issue.ID)
	if err != nil {
		return nil, err
	}
	issue.ID = id
	issue.Priority = ClampPriority(issue.Priority)
	return &issue, nil
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
