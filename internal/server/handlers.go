package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/forge"
	"github.com/droverhq/drover/internal/frame"
	"github.com/droverhq/drover/internal/prstate"
	"github.com/droverhq/drover/internal/syncer"
)

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError maps an error's kind to an HTTP status and the response
// envelope. Internal errors are logged, not echoed, so details never
// leak to the sender.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrSignatureInvalid):
		status = http.StatusUnauthorized
	case errors.Is(err, fault.ErrUnknownInstallation),
		errors.Is(err, fault.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, fault.ErrConflict):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"ok":      false,
		"error":   kind,
		"message": msg,
	})
}

// ---- webhook ----

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, fault.Wrap(fault.ErrMalformedPayload, err))
		return
	}

	receipt, err := s.gateway.Process(r.Context(),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-GitHub-Delivery"),
		r.Header.Get("X-Hub-Signature-256"),
		body,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "receipt": receipt})
}

// ---- sandbox sessions ----

type createSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	WSURL     string `json:"wsUrl"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// Empty body means "mint an ID for me".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := s.registry.CreateSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		WSURL:     "/api/sandbox/sessions/" + sess.ID + "/ws",
		ExpiresIn: int(time.Until(sess.ExpiresAt).Seconds()),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		WSURL:     "/api/sandbox/sessions/" + sess.ID + "/ws",
		ExpiresIn: int(time.Until(sess.ExpiresAt).Seconds()),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Non-browser clients; no origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSessionWS upgrades the connection and serves the frame protocol
// against the session's container until the client disconnects.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runner, err := s.registry.Runner(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: session %s: websocket upgrade: %v", id, err)
		return
	}

	t := frame.NewWS(conn)
	defer t.Close()
	if err := frame.NewHost(runner).Serve(r.Context(), t); err != nil {
		log.Printf("server: session %s: frame host: %v", id, err)
	}
}

// ---- repository sync ----

func (s *Server) bindingFromURL(r *http.Request) (owner, name string) {
	return chi.URLParam(r, "owner"), chi.URLParam(r, "name")
}

type repoStatusResponse struct {
	Repo       string         `json:"repo"`
	IssueCount int            `json:"issueCount"`
	Milestones int            `json:"milestones"`
	SyncStatus *syncer.Status `json:"syncStatus"`
}

func (s *Server) handleRepoStatus(w http.ResponseWriter, r *http.Request) {
	owner, name := s.bindingFromURL(r)
	b, err := s.store.GetBinding(owner, name)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.coord.Status(b.FullName())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repoStatusResponse{
		Repo:       b.FullName(),
		IssueCount: status.IssueCount,
		Milestones: status.Milestones,
		SyncStatus: status,
	})
}

func (s *Server) handleSyncIssues(w http.ResponseWriter, r *http.Request) {
	owner, name := s.bindingFromURL(r)
	b, err := s.store.GetBinding(owner, name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.coord.Enqueue(b.FullName(), syncer.KindIssues, "manual", "")
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "queued": true})
}

func (s *Server) handleSyncReset(w http.ResponseWriter, r *http.Request) {
	owner, name := s.bindingFromURL(r)
	b, err := s.store.GetBinding(owner, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.Reset(b.FullName()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- workflow assignment ----

type assignRequest struct {
	Repo struct {
		Owner    string `json:"owner"`
		Name     string `json:"name"`
		FullName string `json:"fullName"`
	} `json:"repo"`
	Issue struct {
		ID       string `json:"id"`
		Assignee string `json:"assignee"`
	} `json:"issue"`
}

// handleAssign applies the assignment decision table. Every decision is
// a 200; the result says whether a workflow was triggered and why not
// otherwise.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Wrap(fault.ErrMalformedPayload, err))
		return
	}

	owner, name := req.Repo.Owner, req.Repo.Name
	if owner == "" && req.Repo.FullName != "" {
		var err error
		owner, name, err = forge.SplitRepo(req.Repo.FullName)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	b, err := s.store.GetBinding(owner, name)
	if err != nil {
		writeError(w, err)
		return
	}

	issues, err := s.issueSource(b.FullName())
	if err != nil {
		writeError(w, err)
		return
	}
	issue, err := issues.Get(req.Issue.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.disp.Assign(r.Context(), b, issue, req.Issue.Assignee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

// ---- PR operations ----

type prCreateRequest struct {
	Repo   string `json:"repo"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
}

func (s *Server) handlePRCreate(w http.ResponseWriter, r *http.Request) {
	var req prCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Wrap(fault.ErrMalformedPayload, err))
		return
	}
	url, number, err := s.forge.CreatePR(r.Context(), forge.PROptions{
		Repo:   req.Repo,
		Title:  req.Title,
		Body:   req.Body,
		Branch: req.Branch,
		Base:   req.Base,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "url": url, "number": number})
}

type prReviewRequest struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	State  string `json:"state"` // approve, request_changes, comment
	Body   string `json:"body"`
}

func (s *Server) handlePRReview(w http.ResponseWriter, r *http.Request) {
	var req prReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Wrap(fault.ErrMalformedPayload, err))
		return
	}
	if err := s.forge.SubmitReview(r.Context(), req.Repo, req.Number, req.State, req.Body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type prMergeRequest struct {
	Repo    string `json:"repo"`
	Number  int    `json:"number"`
	Message string `json:"message"`
}

// handlePRMerge merges through the forge. The local machine decides
// whether all queued reviewers approved; an unfinished queue does not
// block the merge but marks it forced.
func (s *Server) handlePRMerge(w http.ResponseWriter, r *http.Request) {
	var req prMergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Wrap(fault.ErrMalformedPayload, err))
		return
	}

	forced := false
	if pr, err := s.prs.Get(req.Repo, req.Number); err == nil {
		forced = pr.State != prstate.StateApproved
	}

	if err := s.forge.MergePR(r.Context(), req.Repo, req.Number, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "forced": forced})
}
