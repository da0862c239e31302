package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/forge"
	"github.com/droverhq/drover/internal/frame"
	"github.com/droverhq/drover/internal/sandbox"
	"github.com/droverhq/drover/internal/store"
)

// step is one scripted command outcome.
type step struct {
	stdout string
	stderr string
	code   int32
	block  bool // wait for a signal before exiting
}

type fakeProc struct {
	stdinMu sync.Mutex
	stdin   bytes.Buffer
	stdout  io.Reader
	stderr  io.Reader
	code    int32

	blockCh  chan struct{}
	sigOnce  sync.Once
	signaled syscall.Signal
}

type procStdin struct{ p *fakeProc }

func (w procStdin) Write(b []byte) (int, error) {
	w.p.stdinMu.Lock()
	defer w.p.stdinMu.Unlock()
	return w.p.stdin.Write(b)
}
func (w procStdin) Close() error { return nil }

func (p *fakeProc) Stdin() io.WriteCloser { return procStdin{p} }
func (p *fakeProc) Stdout() io.Reader     { return p.stdout }
func (p *fakeProc) Stderr() io.Reader     { return p.stderr }

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.sigOnce.Do(func() {
		p.signaled = sig
		if p.blockCh != nil {
			close(p.blockCh)
		}
	})
	return nil
}

func (p *fakeProc) Wait() int32 {
	if p.blockCh != nil {
		<-p.blockCh
		return frame.SignalExitCode(p.signaled)
	}
	return p.code
}

type fakeRunner struct {
	mu     sync.Mutex
	script func(req frame.SpawnRequest) step
	calls  []frame.SpawnRequest
	procs  []*fakeProc
}

func (r *fakeRunner) Spawn(_ context.Context, req frame.SpawnRequest) (frame.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	s := r.script(req)
	p := &fakeProc{
		stdout: strings.NewReader(s.stdout),
		stderr: strings.NewReader(s.stderr),
		code:   s.code,
	}
	if s.block {
		p.blockCh = make(chan struct{})
	}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) callList() []frame.SpawnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.SpawnRequest(nil), r.calls...)
}

type fakeSessions struct {
	runner   *fakeRunner
	mu       sync.Mutex
	created  int
	deleted  []string
}

func (s *fakeSessions) CreateSession(_ context.Context, id string) (*sandbox.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	if id == "" {
		id = fmt.Sprintf("sess-%d", s.created)
	}
	return &sandbox.Session{ID: id, ContainerID: "ctr-" + id}, nil
}

func (s *fakeSessions) Runner(string) (frame.Runner, error) { return s.runner, nil }

func (s *fakeSessions) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeForge struct {
	mu     sync.Mutex
	prOpts []forge.PROptions
	token  string
}

func (f *fakeForge) CreatePR(_ context.Context, opts forge.PROptions) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prOpts = append(f.prOpts, opts)
	return "https://github.com/" + opts.Repo + "/pull/9", 9, nil
}

func (f *fakeForge) InstallationToken(context.Context, int64) (string, error) {
	return f.token, nil
}

func okScript(req frame.SpawnRequest) step { return step{code: 0} }

var testBinding = &store.Binding{Owner: "acme", Name: "widgets", InstallationID: 42, DefaultBranch: "main"}

func testIssue() *beads.Issue {
	return &beads.Issue{ID: "demo-ab12", Title: "Fix login", Body: "crashes on empty password", Status: beads.StatusOpen}
}

var cody = &dispatch.Agent{Name: "cody", Tier: dispatch.TierSandbox, Roles: []string{"develop"}}

func newTestEngine(t *testing.T, script func(frame.SpawnRequest) step) (*Engine, *fakeRunner, *fakeSessions, *fakeForge, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	runner := &fakeRunner{script: script}
	sessions := &fakeSessions{runner: runner}
	fg := &fakeForge{token: "tok-sekrit"}
	e := NewEngine(st, sessions, fg)
	e.Grace = time.Millisecond
	return e, runner, sessions, fg, st
}

func launchAndWait(t *testing.T, e *Engine, st *store.Store) *store.Intent {
	t.Helper()
	intent := &store.Intent{ID: dispatch.NewWorkflowID(), Repo: testBinding.FullName(), IssueID: "demo-ab12", Agent: "cody"}
	if err := st.CreateIntent(intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	e.Launch(intent, testBinding, testIssue(), cody)
	e.Wait()

	got, err := st.GetIntent(intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	return got
}

func TestDevelopHappyPath(t *testing.T) {
	e, runner, sessions, fg, st := newTestEngine(t, okScript)

	got := launchAndWait(t, e, st)
	if got.State != store.IntentDone {
		t.Fatalf("state = %s, error = %q", got.State, got.Error)
	}
	if got.SessionID == "" {
		t.Fatal("session not recorded on intent")
	}
	if len(sessions.deleted) != 1 || sessions.deleted[0] != got.SessionID {
		t.Fatalf("session not released: %v", sessions.deleted)
	}

	calls := runner.callList()
	if len(calls) < 4 {
		t.Fatalf("expected clone/branch/agent/commit/push, got %d calls", len(calls))
	}
	if calls[0].Cmd != "git" || calls[0].Args[0] != "clone" {
		t.Fatalf("first command: %+v", calls[0])
	}
	if !strings.Contains(calls[0].Args[len(calls[0].Args)-2], "x-access-token:tok-sekrit@") {
		t.Fatalf("clone URL missing token auth: %v", calls[0].Args)
	}

	if len(fg.prOpts) != 1 {
		t.Fatalf("PR not opened: %+v", fg.prOpts)
	}
	pr := fg.prOpts[0]
	if pr.Branch != "cody/demo-ab12" || pr.Base != "main" {
		t.Fatalf("PR options: %+v", pr)
	}
	if !strings.Contains(pr.Body, "Closes #demo-ab12") {
		t.Fatalf("PR body missing issue link: %q", pr.Body)
	}
}

func TestDevelopFeedsIssueBodyToAgent(t *testing.T) {
	e, runner, _, _, st := newTestEngine(t, okScript)
	launchAndWait(t, e, st)

	var agentProc *fakeProc
	for i, call := range runner.callList() {
		if call.Cmd == "drover-agent" {
			agentProc = runner.procs[i]
		}
	}
	if agentProc == nil {
		t.Fatal("agent never spawned")
	}
	agentProc.stdinMu.Lock()
	defer agentProc.stdinMu.Unlock()
	if got := agentProc.stdin.String(); got != "crashes on empty password" {
		t.Fatalf("agent stdin = %q", got)
	}
}

func TestDevelopAgentFailure(t *testing.T) {
	e, _, sessions, fg, st := newTestEngine(t, func(req frame.SpawnRequest) step {
		if req.Cmd == "drover-agent" {
			return step{stderr: "panic: cannot fix tok-sekrit", code: 2}
		}
		return step{code: 0}
	})

	got := launchAndWait(t, e, st)
	if got.State != store.IntentFailed {
		t.Fatalf("state = %s", got.State)
	}
	if !strings.Contains(got.Error, "panic: cannot fix") {
		t.Fatalf("captured stderr missing: %q", got.Error)
	}
	if strings.Contains(got.Error, "tok-sekrit") {
		t.Fatalf("credential leaked into failure record: %q", got.Error)
	}
	if len(fg.prOpts) != 0 {
		t.Fatal("PR opened despite agent failure")
	}
	if len(sessions.deleted) != 1 {
		t.Fatalf("session not released on failure: %v", sessions.deleted)
	}
}

func TestDevelopPushRetriesWithRebase(t *testing.T) {
	var pushes int
	e, runner, _, fg, st := newTestEngine(t, func(req frame.SpawnRequest) step {
		if req.Cmd == "git" && len(req.Args) > 0 && req.Args[0] == "push" {
			pushes++
			return step{stderr: "! [rejected] non-fast-forward", code: 1}
		}
		return step{code: 0}
	})

	got := launchAndWait(t, e, st)
	if got.State != store.IntentDone {
		t.Fatalf("state = %s, error = %q", got.State, got.Error)
	}
	var rebased bool
	for _, call := range runner.callList() {
		if call.Cmd == "sh" && strings.Contains(strings.Join(call.Args, " "), "pull --rebase") {
			rebased = true
		}
	}
	if !rebased {
		t.Fatal("rejected push did not trigger a rebase retry")
	}
	if len(fg.prOpts) != 1 {
		t.Fatal("PR not opened after retry")
	}
}

func TestCancelInterruptsAgent(t *testing.T) {
	e, runner, sessions, _, st := newTestEngine(t, func(req frame.SpawnRequest) step {
		if req.Cmd == "drover-agent" {
			return step{block: true}
		}
		return step{code: 0}
	})

	intent := &store.Intent{ID: dispatch.NewWorkflowID(), Repo: testBinding.FullName(), IssueID: "demo-ab12", Agent: "cody"}
	if err := st.CreateIntent(intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	e.Launch(intent, testBinding, testIssue(), cody)

	// Wait for the agent to be in flight, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var spawned bool
		for _, call := range runner.callList() {
			if call.Cmd == "drover-agent" {
				spawned = true
			}
		}
		if spawned {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never spawned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Cancel(intent.ID)
	e.Wait()

	got, err := st.GetIntent(intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.State != store.IntentCancelled {
		t.Fatalf("state = %s, error = %q", got.State, got.Error)
	}
	if len(sessions.deleted) != 1 {
		t.Fatalf("session not released on cancel: %v", sessions.deleted)
	}
}
