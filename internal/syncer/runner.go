package syncer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/forge"
	"github.com/droverhq/drover/internal/reconcile"
	"github.com/droverhq/drover/internal/store"
)

// ForgeIssues is the forge surface the reconciler consumes.
type ForgeIssues interface {
	ListIssues(ctx context.Context, repo string) ([]*forge.Issue, error)
	CreateIssue(ctx context.Context, repo string, issue *forge.Issue) (int, error)
	UpdateIssue(ctx context.Context, repo string, number int, issue *forge.Issue) error
}

// Publisher owns the repository checkout used for commit-back.
type Publisher interface {
	// Prepare returns a working tree for the repository, cloning or
	// updating as needed.
	Prepare(ctx context.Context, b *store.Binding) (string, error)
	// Publish commits the given paths in the working tree and pushes
	// them to the repository's default branch.
	Publish(ctx context.Context, b *store.Binding, message string, paths ...string) (sha string, err error)
}

// ReconcileRunner implements Runner: it three-way merges the local
// issue store, the mirror, and the forge, then commits the result back.
type ReconcileRunner struct {
	DataDir  string
	Bindings *store.Store
	Forge    ForgeIssues
	Pub      Publisher
	Policy   reconcile.Policy

	BeadsDir    string
	BacklogFile string
	RoadmapFile string
}

// Sync runs one cycle for one repository and category. The coordinator
// guarantees serial execution per repository.
func (r *ReconcileRunner) Sync(ctx context.Context, repo string, kind Kind) (*Stats, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, fault.Wrap(fault.ErrMalformedPayload, err)
	}
	binding, err := r.Bindings.GetBinding(owner, name)
	if err != nil {
		return nil, fault.Wrapf(fault.ErrUnknownInstallation, "repository %s not bound", repo)
	}

	dir, err := r.Pub.Prepare(ctx, binding)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindIssues:
		return r.syncIssues(ctx, binding, dir)
	case KindBacklog:
		return r.syncBacklog(ctx, binding, dir)
	case KindRoadmap:
		return r.syncRoadmap(ctx, dir)
	default:
		return nil, fault.Wrapf(fault.ErrMalformedPayload, "unknown sync kind %q", kind)
	}
}

// mirror opens the server-side last-reconciled view for a repository.
func (r *ReconcileRunner) mirror(b *store.Binding) (*beads.Store, error) {
	dir := filepath.Join(r.DataDir, "mirror", b.Owner+"__"+b.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return beads.Open(dir)
}

func (r *ReconcileRunner) syncIssues(ctx context.Context, b *store.Binding, dir string) (*Stats, error) {
	local, err := beads.Open(filepath.Join(dir, r.BeadsDir))
	if err != nil {
		return nil, err
	}
	mirror, err := r.mirror(b)
	if err != nil {
		return nil, err
	}
	remote, err := r.Forge.ListIssues(ctx, b.FullName())
	if err != nil {
		return nil, err
	}

	byNumber := make(map[int]*forge.Issue, len(remote))
	for _, fi := range remote {
		byNumber[fi.Number] = fi
	}

	seen := make(map[int]bool)
	for _, issue := range local.List() {
		fi := byNumber[issue.ForgeNumber]
		if issue.ForgeNumber != 0 {
			seen[issue.ForgeNumber] = true
		}
		base, _ := mirror.Get(issue.ID)
		if err := r.reconcileOne(ctx, b, local, mirror, issue, base, fi); err != nil {
			return nil, err
		}
	}

	// Forge-only issues become local records.
	for _, fi := range remote {
		if seen[fi.Number] {
			continue
		}
		if _, ok := localByNumber(local, fi.Number); ok {
			continue
		}
		if err := r.reconcileOne(ctx, b, local, mirror, nil, nil, fi); err != nil {
			return nil, err
		}
	}

	sha, err := r.Pub.Publish(ctx, b, "sync: reconcile issues", filepath.Join(r.BeadsDir, beads.IssuesFile))
	if err != nil {
		return nil, err
	}
	return &Stats{IssueCount: local.Count(), SHA: sha}, nil
}

func localByNumber(s *beads.Store, number int) (*beads.Issue, bool) {
	i, err := s.GetByForgeNumber(number)
	return i, err == nil
}

// reconcileOne merges one issue across the three views and applies the
// outcome to each side that drifted.
func (r *ReconcileRunner) reconcileOne(ctx context.Context, b *store.Binding, local, mirror *beads.Store, li, base *beads.Issue, fi *forge.Issue) error {
	out, err := reconcile.Merge(li, base, fi, r.Policy)
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			log.Printf("syncer: %s: conflict on %s: fields %v left for operator", b.FullName(), out.Issue.ID, out.Conflicts)
			return nil
		}
		return err
	}
	merged := out.Issue

	if out.CreateRemote || out.UpdateRemote {
		fv := reconcile.ToForge(merged)
		if out.CreateRemote {
			number, cerr := r.Forge.CreateIssue(ctx, b.FullName(), fv)
			if cerr != nil {
				return cerr
			}
			merged.ForgeNumber = number
		} else if uerr := r.Forge.UpdateIssue(ctx, b.FullName(), merged.ForgeNumber, fv); uerr != nil {
			return uerr
		}
	}
	if out.CreateLocal || out.UpdateLocal || out.CreateRemote {
		if err := local.Put(merged); err != nil {
			return err
		}
	}
	return mirror.Put(merged.Clone())
}

// syncBacklog compiles unchecked TODO-shaped lines in the backlog file
// into local issues. Lines already represented by title are skipped.
func (r *ReconcileRunner) syncBacklog(ctx context.Context, b *store.Binding, dir string) (*Stats, error) {
	path := filepath.Join(dir, r.BacklogFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Stats{}, nil
		}
		return nil, err
	}
	defer f.Close()

	local, err := beads.Open(filepath.Join(dir, r.BeadsDir))
	if err != nil {
		return nil, err
	}
	titles := make(map[string]bool, local.Count())
	for _, issue := range local.List() {
		titles[strings.ToLower(issue.Title)] = true
	}

	created := 0
	now := time.Now().UTC()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		title, ok := backlogItem(scanner.Text())
		if !ok || titles[strings.ToLower(title)] {
			continue
		}
		issue := &beads.Issue{
			ID:        beads.NewID("backlog"),
			Title:     title,
			Status:    beads.StatusOpen,
			Priority:  beads.DefaultPriority,
			Kind:      beads.KindTask,
			Labels:    []string{beads.PriorityLabel(beads.DefaultPriority)},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := local.Put(issue); err != nil {
			return nil, err
		}
		titles[strings.ToLower(title)] = true
		created++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var sha string
	if created > 0 {
		sha, err = r.Pub.Publish(ctx, b, fmt.Sprintf("sync: compile %d backlog items", created), filepath.Join(r.BeadsDir, beads.IssuesFile))
		if err != nil {
			return nil, err
		}
	}
	return &Stats{IssueCount: local.Count(), SHA: sha}, nil
}

// backlogItem extracts the title from an unchecked markdown task line.
func backlogItem(line string) (string, bool) {
	s := strings.TrimSpace(line)
	for _, prefix := range []string{"- [ ] ", "* [ ] "} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			title := strings.TrimSpace(rest)
			return title, title != ""
		}
	}
	return "", false
}

// syncRoadmap counts roadmap milestones (second-level headings).
func (r *ReconcileRunner) syncRoadmap(_ context.Context, dir string) (*Stats, error) {
	path := filepath.Join(dir, r.RoadmapFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Stats{}, nil
		}
		return nil, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "## ") {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Stats{MilestoneCount: count}, nil
}

// GitPublisher maintains one checkout per repository under DataDir and
// pushes with installation tokens.
type GitPublisher struct {
	DataDir  string
	BeadsDir string

	// Token mints a git credential for a binding. Optional; public
	// repositories work without it.
	Token func(ctx context.Context, installationID int64) (string, error)
}

func (p *GitPublisher) checkout(b *store.Binding) string {
	return filepath.Join(p.DataDir, "checkouts", b.Owner+"__"+b.Name)
}

func (p *GitPublisher) git(ctx context.Context, b *store.Binding) (*Git, string, error) {
	var token string
	if p.Token != nil {
		t, err := p.Token(ctx, b.InstallationID)
		if err != nil {
			return nil, "", err
		}
		token = t
	}
	return &Git{Dir: p.checkout(b), Secrets: []string{token}}, token, nil
}

func (p *GitPublisher) Prepare(ctx context.Context, b *store.Binding) (string, error) {
	g, token, err := p.git(ctx, b)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(g.Dir, ".git")); os.IsNotExist(err) {
		if err := g.Clone(ctx, AuthURL(b.FullName(), token), b.DefaultBranch); err != nil {
			return "", err
		}
		if err := g.EnsureMergeDriver(ctx, p.BeadsDir); err != nil {
			return "", err
		}
		return g.Dir, nil
	}
	if _, err := g.run(ctx, "pull", "--rebase", "origin", b.DefaultBranch); err != nil {
		return "", fault.Wrap(fault.ErrTransient, err)
	}
	return g.Dir, nil
}

func (p *GitPublisher) Publish(ctx context.Context, b *store.Binding, message string, paths ...string) (string, error) {
	g, _, err := p.git(ctx, b)
	if err != nil {
		return "", err
	}
	if err := g.CommitPush(ctx, b.DefaultBranch, message, paths...); err != nil {
		return "", err
	}
	return g.Head(ctx)
}
