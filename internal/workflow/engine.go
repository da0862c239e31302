// Package workflow runs the develop workflow: sandbox a repo, let the
// coding agent work the issue, push a branch, and open a pull request.
package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/forge"
	"github.com/droverhq/drover/internal/frame"
	"github.com/droverhq/drover/internal/sandbox"
	"github.com/droverhq/drover/internal/store"
)

const workDir = "/work/repo"

// Sessions is the sandbox surface the engine consumes.
type Sessions interface {
	CreateSession(ctx context.Context, id string) (*sandbox.Session, error)
	Runner(id string) (frame.Runner, error)
	DeleteSession(ctx context.Context, id string) error
}

// Forge is the forge surface the engine consumes.
type Forge interface {
	CreatePR(ctx context.Context, opts forge.PROptions) (string, int, error)
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// Engine launches and cancels develop workflows. It implements
// dispatch.Launcher.
type Engine struct {
	st       *store.Store
	sessions Sessions
	forge    Forge

	// AgentCommand builds the sandbox command that runs the coding
	// agent. The issue body arrives on the child's stdin.
	AgentCommand func(agent *dispatch.Agent, issue *beads.Issue) frame.SpawnRequest

	// Grace is how long cancellation waits between SIGTERM and SIGKILL.
	Grace time.Duration

	// Timeout bounds one whole workflow.
	Timeout time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(st *store.Store, sessions Sessions, fg Forge) *Engine {
	return &Engine{
		st:       st,
		sessions: sessions,
		forge:    fg,
		AgentCommand: func(agent *dispatch.Agent, issue *beads.Issue) frame.SpawnRequest {
			return frame.SpawnRequest{
				Cmd:  "drover-agent",
				Args: []string{"--issue", issue.ID},
				Env:  []string{"DROVER_AGENT=" + agent.Name},
				Cwd:  workDir,
			}
		},
		Grace:   5 * time.Second,
		Timeout: time.Hour,
		running: make(map[string]context.CancelFunc),
	}
}

// Launch starts the workflow asynchronously. Implements
// dispatch.Launcher.
func (e *Engine) Launch(intent *store.Intent, b *store.Binding, issue *beads.Issue, agent *dispatch.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)

	e.mu.Lock()
	e.running[intent.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, intent.ID)
			e.mu.Unlock()
		}()
		e.run(ctx, intent, b, issue, agent)
	}()
}

// Cancel interrupts a running workflow. Implements dispatch.Launcher.
func (e *Engine) Cancel(workflowID string) {
	e.mu.Lock()
	cancel, ok := e.running[workflowID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until all launched workflows finish. Used on shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(ctx context.Context, intent *store.Intent, b *store.Binding, issue *beads.Issue, agent *dispatch.Agent) {
	err := e.develop(ctx, intent, b, issue, agent)

	switch {
	case err == nil:
		intent.State = store.IntentDone
	case ctx.Err() != nil:
		intent.State = store.IntentCancelled
		intent.Error = "cancelled"
	default:
		intent.State = store.IntentFailed
		intent.Error = err.Error()
		log.Printf("workflow %s: %s/%s failed: %v", intent.ID, intent.Repo, issue.ID, err)
	}
	if uerr := e.st.UpdateIntent(intent); uerr != nil {
		log.Printf("workflow %s: recording outcome: %v", intent.ID, uerr)
	}
}

// develop walks the ordered steps for one (issue, agent) pair.
func (e *Engine) develop(ctx context.Context, intent *store.Intent, b *store.Binding, issue *beads.Issue, agent *dispatch.Agent) error {
	// Step 1: acquire a session and record it on the intent.
	sess, err := e.sessions.CreateSession(ctx, "")
	if err != nil {
		return err
	}
	defer func() {
		if derr := e.sessions.DeleteSession(context.Background(), sess.ID); derr != nil {
			log.Printf("workflow %s: releasing session %s: %v", intent.ID, sess.ID, derr)
		}
	}()

	intent.SessionID = sess.ID
	if err := e.st.UpdateIntent(intent); err != nil {
		return err
	}

	runner, err := e.sessions.Runner(sess.ID)
	if err != nil {
		return err
	}
	client, stop := e.connect(ctx, runner)
	defer stop()

	// Step 2: shallow clone at the default branch.
	var token string
	if b.InstallationID != 0 {
		token, err = e.forge.InstallationToken(ctx, b.InstallationID)
		if err != nil {
			return err
		}
	}
	cloneURL := authURL(b.FullName(), token)
	if err := e.exec(ctx, client, token, frame.SpawnRequest{
		Cmd:  "git",
		Args: []string{"clone", "--depth", "1", "--branch", b.DefaultBranch, cloneURL, workDir},
	}); err != nil {
		return err
	}

	// Step 3: target branch.
	branch := fmt.Sprintf("%s/%s", agent.Name, issue.ID)
	if err := e.exec(ctx, client, token, frame.SpawnRequest{
		Cmd: "git", Args: []string{"checkout", "-b", branch}, Cwd: workDir,
	}); err != nil {
		return err
	}

	// Step 4: run the coding agent with the issue body as its task.
	req := e.AgentCommand(agent, issue)
	res, err := e.execResult(ctx, client, req, []byte(issue.Body))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fault.Wrapf(fault.ErrSandboxFailure, "agent exited %d: %s", res.ExitCode, truncate(redact(string(res.Stderr), token), 2000))
	}

	// Step 5: commit and push; a rejected push retries once after rebase.
	commitMsg := fmt.Sprintf("%s: %s", issue.ID, issue.Title)
	if err := e.exec(ctx, client, token, frame.SpawnRequest{
		Cmd: "sh", Args: []string{"-c", "git add -A && git -c user.name=" + agent.Name + " -c user.email=" + agent.Name + "@drover.local commit -m " + shellQuote(commitMsg)}, Cwd: workDir,
	}); err != nil {
		return err
	}
	if err := e.exec(ctx, client, token, frame.SpawnRequest{
		Cmd: "git", Args: []string{"push", "origin", branch}, Cwd: workDir,
	}); err != nil {
		if rerr := e.exec(ctx, client, token, frame.SpawnRequest{
			Cmd: "sh", Args: []string{"-c", "git pull --rebase origin " + b.DefaultBranch + " && git push origin " + branch}, Cwd: workDir,
		}); rerr != nil {
			return fault.Wrap(fault.ErrTransient, rerr)
		}
	}

	// Step 6: open the PR; "Closes #<key>" links the issue on the forge.
	title := fmt.Sprintf("%s: %s", agent.Name, issue.Title)
	body := fmt.Sprintf("Automated change for %s.\n\nCloses #%s\n", issue.ID, issue.ID)
	url, number, err := e.forge.CreatePR(ctx, forge.PROptions{
		Repo:   b.FullName(),
		Branch: branch,
		Base:   b.DefaultBranch,
		Title:  title,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("opening pull request: %w", err)
	}

	// Step 7: the PR state machine takes over via the opened webhook.
	log.Printf("workflow %s: opened PR #%d (%s)", intent.ID, number, url)
	return nil
}

// connect wires a framed client to the session over an in-process pipe
// and arranges SIGTERM-grace-SIGKILL on cancellation.
func (e *Engine) connect(ctx context.Context, runner frame.Runner) (*frame.Client, func()) {
	hostSide, clientSide := frame.Pipe()
	host := frame.NewHost(runner)

	serveCtx, stopServe := context.WithCancel(context.Background())
	go func() {
		if err := host.Serve(serveCtx, hostSide); err != nil && serveCtx.Err() == nil {
			log.Printf("workflow: transport: %v", err)
		}
	}()

	client := frame.NewClient(clientSide)
	go func() {
		<-ctx.Done()
		if serveCtx.Err() != nil {
			return
		}
		_ = client.Signal("SIGTERM")
		time.Sleep(e.Grace)
		_ = client.Signal("SIGKILL")
	}()

	return client, func() {
		_ = client.Close()
		stopServe()
	}
}

// exec runs one command, failing on a non-zero exit.
func (e *Engine) exec(ctx context.Context, client *frame.Client, token string, req frame.SpawnRequest) error {
	res, err := e.execResult(ctx, client, req, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", req.Cmd, res.ExitCode, truncate(redact(string(res.Stderr), token), 500))
	}
	return nil
}

func (e *Engine) execResult(ctx context.Context, client *frame.Client, req frame.SpawnRequest, stdin []byte) (*frame.Result, error) {
	res, err := client.Run(ctx, req, stdin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.ErrCancelled, ctx.Err())
		}
		return nil, err
	}
	return res, nil
}

func authURL(fullName, token string) string {
	if token == "" {
		return "https://github.com/" + fullName + ".git"
	}
	return "https://x-access-token:" + token + "@github.com/" + fullName + ".git"
}

// redact strips the git credential from captured output before it can
// reach logs or error messages.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "[redacted]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
