package syncer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/droverhq/drover/internal/fault"
)

// pushRetries bounds the push/pull reconciliation loop.
const pushRetries = 3

// Git runs git commands for one working tree. Errors redact the
// configured secrets before they reach logs.
type Git struct {
	Dir     string
	Secrets []string
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	text := g.redact(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(text))
	}
	return text, nil
}

func (g *Git) redact(s string) string {
	for _, secret := range g.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "[redacted]")
		}
	}
	return s
}

// Clone makes a shallow clone of url at branch into g.Dir.
func (g *Git) Clone(ctx context.Context, url, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", branch, url, g.Dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fault.Wrapf(fault.ErrTransient, "git clone: %s", g.redact(string(out)))
	}
	return nil
}

// EnsureMergeDriver registers the line-wise JSONL merge driver for the
// issue store so concurrent human pushes merge by record rather than by
// text hunk.
func (g *Git) EnsureMergeDriver(ctx context.Context, beadsDir string) error {
	if _, err := g.run(ctx, "config", "merge.beads.name", "beads jsonl merge"); err != nil {
		return err
	}
	if _, err := g.run(ctx, "config", "merge.beads.driver", "drover mergetool %O %A %B"); err != nil {
		return err
	}
	attrs := filepath.Join(g.Dir, ".git", "info", "attributes")
	line := strings.TrimSuffix(beadsDir, "/") + "/*.jsonl merge=beads\n"
	existing, err := os.ReadFile(attrs)
	if err == nil && strings.Contains(string(existing), "merge=beads") {
		return nil
	}
	f, err := os.OpenFile(attrs, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// CommitPush stages paths, commits with message, and pushes branch.
// A rejected push pulls with rebase and retries; if the rebase fails it
// is aborted and a merge pull is attempted instead. After reconciling,
// the committed records must still be present in the working file,
// which the merge driver guarantees for the issue store.
func (g *Git) CommitPush(ctx context.Context, branch, message string, paths ...string) error {
	if _, err := g.run(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return fault.Wrap(fault.ErrTransient, err)
	}

	// Nothing staged means nothing to push.
	if _, err := g.run(ctx, "diff", "--cached", "--quiet"); err == nil {
		return nil
	}

	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return fault.Wrap(fault.ErrTransient, err)
	}

	var lastErr error
	for attempt := 0; attempt < pushRetries; attempt++ {
		if _, err := g.run(ctx, "push", "origin", branch); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if _, err := g.run(ctx, "pull", "--rebase", "origin", branch); err != nil {
			// Abort the rebase and fall back to a merge pull.
			_, _ = g.run(ctx, "rebase", "--abort")
			if _, err := g.run(ctx, "pull", "--no-rebase", "origin", branch); err != nil {
				lastErr = err
			}
		}
	}
	return fault.Wrapf(fault.ErrTransient, "push of %s not accepted after %d attempts: %v", branch, pushRetries, lastErr)
}

// Head returns the current commit SHA.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Checkout creates and switches to branch.
func (g *Git) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", "-b", branch)
	return err
}

// AuthURL builds an HTTPS clone URL carrying an installation token.
// The token must never be logged; callers list it in Secrets.
func AuthURL(fullName, token string) string {
	if token == "" {
		return "https://github.com/" + fullName + ".git"
	}
	return "https://x-access-token:" + token + "@github.com/" + fullName + ".git"
}
