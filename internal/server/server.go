// Package server provides the drover HTTP API: the webhook entry
// point, sandbox session control, sync status, and workflow dispatch.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/forge"
	"github.com/droverhq/drover/internal/notify"
	"github.com/droverhq/drover/internal/prstate"
	"github.com/droverhq/drover/internal/reconcile"
	"github.com/droverhq/drover/internal/router"
	"github.com/droverhq/drover/internal/sandbox"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/syncer"
	"github.com/droverhq/drover/internal/webhook"
	"github.com/droverhq/drover/internal/workflow"
)

// Server wires every subsystem behind the HTTP API.
type Server struct {
	cfg *config.Config

	store    *store.Store
	forge    *forge.Client
	registry *sandbox.Registry
	manager  *sandbox.Manager
	coord    *syncer.Coordinator
	disp     *dispatch.Dispatcher
	engine   *workflow.Engine
	prs      *prstate.Manager
	events   *router.Router
	gateway  *webhook.Gateway
	notifier *notify.Notifier

	mux chi.Router
}

// New creates a Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var fg *forge.Client
	if cfg.GitHubAppID != 0 && cfg.GitHubAppKeyPath != "" {
		fg, err = forge.NewAppClient(cfg.GitHubAppID, cfg.GitHubAppKeyPath)
		if err != nil {
			return nil, fmt.Errorf("initializing GitHub App client: %w", err)
		}
		log.Println("GitHub App authentication enabled")
	} else {
		fg = forge.NewClient(cfg.GitHubToken)
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		forge:    fg,
		manager:  sandbox.NewManager(),
		notifier: notify.New(cfg.SlackBotToken, cfg.SlackChannel),
	}

	s.registry = sandbox.NewRegistry(
		s.manager, cfg.DockerImage, cfg.DockerNetwork,
		cfg.SandboxEnv(), cfg.SessionTTL, cfg.SessionBurst,
	)

	pub := &syncer.GitPublisher{
		DataDir:  cfg.DataDir,
		BeadsDir: cfg.BeadsDir,
		Token:    fg.InstallationToken,
	}
	runner := &syncer.ReconcileRunner{
		DataDir:     cfg.DataDir,
		Bindings:    st,
		Forge:       fg,
		Pub:         pub,
		Policy:      reconcile.PolicyNewestWins,
		BeadsDir:    cfg.BeadsDir,
		BacklogFile: cfg.BacklogFile,
		RoadmapFile: cfg.RoadmapFile,
	}
	s.coord = syncer.New(st, runner)

	s.engine = workflow.NewEngine(st, s.registry, fg)

	reg := dispatch.DefaultRegistry()
	s.disp = dispatch.New(reg, st, s.engine)

	s.events = router.New(s.issueSource, s.disp, s.notifier)
	s.events.CancelInFlight = cfg.CancelInFlightOnBlock

	s.prs = prstate.NewManager(st, reg.ReviewersFor, s, nil)

	s.gateway = webhook.New(st, &sink{s}, cfg.BeadsDir, cfg.BacklogFile, cfg.RoadmapFile, cfg.WebhookSecret)

	s.mux = s.buildRouter()
	return s, nil
}

// issueSource opens the issue store inside a repository's checkout.
func (s *Server) issueSource(repo string) (*beads.Store, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.cfg.DataDir, "checkouts", owner+"__"+name, s.cfg.BeadsDir)
	return beads.Open(dir)
}

// RequestReview implements prstate.ReviewerNotifier: a queued reviewer
// gets a light review session. For now that is a notification; the
// reviewer agents post verdicts through the PR review API.
func (s *Server) RequestReview(repo string, number int, reviewer string) {
	log.Printf("server: requesting review of %s#%d from %s", repo, number, reviewer)
	if s.notifier.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.notifier.Post(ctx, fmt.Sprintf("%s: review requested on %s#%d", reviewer, repo, number))
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.EnsureNetwork(ctx, s.cfg.DockerNetwork); err != nil {
		log.Printf("Warning: could not create Docker network: %v", err)
	}

	srv := &http.Server{
		Addr:    s.cfg.ServerAddr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("drover server listening on %s", s.cfg.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	s.engine.Wait()
	s.coord.Close()
	s.registry.Close(context.Background())
	return s.store.Close()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/webhook/github", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sandbox/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Get("/{id}/ws", s.handleSessionWS)
		})

		r.Route("/repos/{owner}/{name}", func(r chi.Router) {
			r.Get("/status", s.handleRepoStatus)
			r.Post("/sync/issues", s.handleSyncIssues)
			r.Post("/sync/reset", s.handleSyncReset)
		})

		r.Post("/workflows/assign", s.handleAssign)

		r.Route("/pr", func(r chi.Router) {
			r.Post("/create", s.handlePRCreate)
			r.Post("/review", s.handlePRReview)
			r.Post("/merge", s.handlePRMerge)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	return r
}
