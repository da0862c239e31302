package beads

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/fault"
)

// IssuesFile is the JSONL file name inside the beads directory.
const IssuesFile = "issues.jsonl"

// Store is a JSONL-backed issue store rooted at one repository's beads
// directory. All mutations rewrite the file atomically.
type Store struct {
	mu   sync.RWMutex
	path string
	byID map[string]*Issue
}

// Open loads (or initializes) the store at dir/issues.jsonl.
func Open(dir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(dir, IssuesFile),
		byID: make(map[string]*Issue),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		issue, err := UnmarshalLine(line)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", s.path, lineNo, err)
		}
		s.byID[issue.ID] = issue
	}
	return scanner.Err()
}

// Path returns the JSONL file path.
func (s *Store) Path() string { return s.path }

// Get returns an issue by local ID.
func (s *Store) Get(id string) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.byID[id]
	if !ok {
		return nil, fault.Wrapf(fault.ErrNotFound, "issue %s", id)
	}
	return issue.Clone(), nil
}

// GetByForgeNumber returns the issue mirrored from the given forge number.
func (s *Store) GetByForgeNumber(n int) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, issue := range s.byID {
		if issue.ForgeNumber == n && n != 0 {
			return issue.Clone(), nil
		}
	}
	return nil, fault.Wrapf(fault.ErrNotFound, "issue with forge number %d", n)
}

// List returns all issues ordered by ID.
func (s *Store) List() []*Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Issue, 0, len(s.byID))
	for _, issue := range s.byID {
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of issues in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Put validates and upserts an issue, then rewrites the file. Dependency
// edges are checked for cycles before anything is persisted.
func (s *Store) Put(issue *Issue) error {
	id, err := ParseID(issue.ID)
	if err != nil {
		return fault.Wrap(fault.ErrMalformedPayload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issue = issue.Clone()
	issue.ID = id
	issue.Priority = ClampPriority(issue.Priority)
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = time.Now().UTC()
	}

	if cycle := s.findCycle(issue); cycle != "" {
		return fault.Wrapf(fault.ErrCircularDependency, "%s -> %s", issue.ID, cycle)
	}
	// Re-derive blocked from edges; it is never stored from caller intent.
	s.byID[issue.ID] = issue
	s.recomputeBlockedLocked()
	return s.flushLocked()
}

// Close marks an issue closed and rewrites the file.
func (s *Store) Close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.byID[id]
	if !ok {
		return fault.Wrapf(fault.ErrNotFound, "issue %s", id)
	}
	now := time.Now().UTC()
	issue.Status = StatusClosed
	issue.ClosedAt = &now
	issue.UpdatedAt = now
	s.recomputeBlockedLocked()
	return s.flushLocked()
}

// SetAssignee updates an issue's assignee (empty clears it).
func (s *Store) SetAssignee(id, assignee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.byID[id]
	if !ok {
		return fault.Wrapf(fault.ErrNotFound, "issue %s", id)
	}
	issue.Assignee = assignee
	issue.UpdatedAt = time.Now().UTC()
	return s.flushLocked()
}

// AddDependency records that issue id depends on target, failing when the
// edge would close a cycle.
func (s *Store) AddDependency(id, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.byID[id]
	if !ok {
		return fault.Wrapf(fault.ErrNotFound, "issue %s", id)
	}
	if _, ok := s.byID[target]; !ok {
		return fault.Wrapf(fault.ErrNotFound, "dependency target %s", target)
	}
	for _, d := range issue.DependsOn {
		if d == target {
			return nil
		}
	}
	// Reject the edge if id is already reachable from target.
	if s.reachableLocked(target, id) {
		return fault.Wrapf(fault.ErrCircularDependency, "%s <-> %s", id, target)
	}
	issue.DependsOn = append(issue.DependsOn, target)
	issue.UpdatedAt = time.Now().UTC()
	s.recomputeBlockedLocked()
	return s.flushLocked()
}

// findCycle checks the incoming issue's depends_on edges against the
// current graph. Returns the offending target or "".
func (s *Store) findCycle(incoming *Issue) string {
	prev := s.byID[incoming.ID]
	s.byID[incoming.ID] = incoming
	defer func() {
		if prev != nil {
			s.byID[incoming.ID] = prev
		} else {
			delete(s.byID, incoming.ID)
		}
	}()
	for _, target := range incoming.DependsOn {
		if target == incoming.ID || s.reachableLocked(target, incoming.ID) {
			return target
		}
	}
	return ""
}

// reachableLocked reports whether `to` is reachable from `from` along
// depends_on edges.
func (s *Store) reachableLocked(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if issue, ok := s.byID[cur]; ok {
			stack = append(stack, issue.DependsOn...)
		}
	}
	return false
}

// recomputeBlockedLocked derives blocked status from dependency edges:
// blocked iff some depends_on target is not closed. Closed issues keep
// their status.
func (s *Store) recomputeBlockedLocked() {
	for _, issue := range s.byID {
		if issue.Status == StatusClosed {
			continue
		}
		blocked := false
		for _, dep := range issue.DependsOn {
			if target, ok := s.byID[dep]; ok && target.Status != StatusClosed {
				blocked = true
				break
			}
		}
		switch {
		case blocked:
			issue.Status = StatusBlocked
		case issue.Status == StatusBlocked:
			issue.Status = StatusOpen
		}
	}
}

// flushLocked rewrites the JSONL file atomically (write temp, rename).
func (s *Store) flushLocked() error {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		line, err := s.byID[id].MarshalLine()
		if err != nil {
			return fmt.Errorf("encoding issue %s: %w", id, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Reload re-reads the file from disk, replacing in-memory state. Used
// after an external writer (git pull) has touched the file.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Issue)
	return s.load()
}
