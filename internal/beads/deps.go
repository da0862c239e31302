package beads

import (
	"regexp"
	"sort"
)

// refPattern matches issue references written in a body as "#<issueKey>".
// Keys are slug-suffix shaped, e.g. "#login-crash-3f2a".
var refPattern = regexp.MustCompile(`#([a-z0-9]+(?:-[a-z0-9]+)+)`)

// DetectRefs extracts candidate dependency keys referenced in an issue
// body. They are surfaced as suggestions only; nothing is auto-added.
func DetectRefs(body string) []string {
	matches := refPattern.FindAllStringSubmatch(body, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Graph is a point-in-time view of the issue dependency graph.
type Graph struct {
	byID   map[string]*Issue
	blocks map[string][]string // inverse of depends_on
}

// NewGraph builds a graph from a snapshot of issues.
func NewGraph(issues []*Issue) *Graph {
	g := &Graph{
		byID:   make(map[string]*Issue, len(issues)),
		blocks: make(map[string][]string),
	}
	for _, issue := range issues {
		g.byID[issue.ID] = issue
	}
	for _, issue := range issues {
		for _, dep := range issue.DependsOn {
			g.blocks[dep] = append(g.blocks[dep], issue.ID)
		}
	}
	return g
}

// Graph returns a graph over the store's current contents.
func (s *Store) Graph() *Graph {
	return NewGraph(s.List())
}

// Get returns an issue from the snapshot.
func (g *Graph) Get(id string) (*Issue, bool) {
	issue, ok := g.byID[id]
	return issue, ok
}

// Blocks returns the IDs directly blocked by the given issue.
func (g *Graph) Blocks(id string) []string {
	out := append([]string(nil), g.blocks[id]...)
	sort.Strings(out)
	return out
}

// Ready reports whether an issue is open with every dependency closed.
func (g *Graph) Ready(id string) bool {
	issue, ok := g.byID[id]
	if !ok || issue.Status != StatusOpen {
		return false
	}
	for _, dep := range issue.DependsOn {
		if target, ok := g.byID[dep]; ok && target.Status != StatusClosed {
			return false
		}
	}
	return true
}

// ReadyIssues returns every ready issue ranked by priority, then by
// transitive impact (how many issues it unblocks), then by ID.
func (g *Graph) ReadyIssues() []*Issue {
	var out []*Issue
	for id, issue := range g.byID {
		if g.Ready(id) {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		ia, ib := g.Impact(a.ID), g.Impact(b.ID)
		if ia != ib {
			return ia > ib
		}
		return a.ID < b.ID
	})
	return out
}

// Impact counts the issues transitively blocked by the given issue.
func (g *Graph) Impact(id string) int {
	seen := map[string]bool{}
	stack := append([]string(nil), g.blocks[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.blocks[cur]...)
	}
	return len(seen)
}

// EpicComplete reports whether an epic's children are all closed. An epic
// with no children is not considered complete.
func (g *Graph) EpicComplete(id string) bool {
	epic, ok := g.byID[id]
	if !ok || epic.Kind != KindEpic {
		return false
	}
	children := 0
	for _, issue := range g.byID {
		if issue.Parent != id {
			continue
		}
		children++
		if issue.Status != StatusClosed {
			return false
		}
	}
	return children > 0
}
