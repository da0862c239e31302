package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/droverhq/drover/internal/fault"
)

// IntentState is the lifecycle state of a workflow intent.
type IntentState string

const (
	IntentRunning   IntentState = "running"
	IntentDone      IntentState = "done"
	IntentFailed    IntentState = "failed"
	IntentCancelled IntentState = "cancelled"
)

// Terminal reports whether the state is final.
func (s IntentState) Terminal() bool {
	return s == IntentDone || s == IntentFailed || s == IntentCancelled
}

// Intent records that an issue has been dispatched to an agent. At most
// one non-terminal intent exists per (repo, issue).
type Intent struct {
	ID        string      `json:"id"`
	Repo      string      `json:"repo"`
	IssueID   string      `json:"issue_id"`
	Agent     string      `json:"agent"`
	State     IntentState `json:"state"`
	SessionID string      `json:"session_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CreateIntent inserts a new running intent.
func (s *Store) CreateIntent(it *Intent) error {
	now := time.Now().UTC()
	if it.StartedAt.IsZero() {
		it.StartedAt = now
	}
	it.UpdatedAt = now
	if it.State == "" {
		it.State = IntentRunning
	}
	_, err := s.db.Exec(
		`INSERT INTO intents (id, repo, issue_id, agent, state, session_id, error, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Repo, it.IssueID, it.Agent, it.State, it.SessionID, it.Error, it.StartedAt, it.UpdatedAt,
	)
	return err
}

// GetIntent returns an intent by workflow ID.
func (s *Store) GetIntent(id string) (*Intent, error) {
	it := &Intent{}
	err := s.db.QueryRow(
		`SELECT id, repo, issue_id, agent, state, session_id, error, started_at, updated_at
		 FROM intents WHERE id = ?`, id,
	).Scan(&it.ID, &it.Repo, &it.IssueID, &it.Agent, &it.State, &it.SessionID, &it.Error, &it.StartedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Wrapf(fault.ErrNotFound, "workflow %s", id)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ActiveIntent returns the non-terminal intent for an issue, or NotFound.
func (s *Store) ActiveIntent(repo, issueID string) (*Intent, error) {
	it := &Intent{}
	err := s.db.QueryRow(
		`SELECT id, repo, issue_id, agent, state, session_id, error, started_at, updated_at
		 FROM intents
		 WHERE repo = ? AND issue_id = ? AND state = 'running'
		 ORDER BY started_at DESC LIMIT 1`, repo, issueID,
	).Scan(&it.ID, &it.Repo, &it.IssueID, &it.Agent, &it.State, &it.SessionID, &it.Error, &it.StartedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Wrapf(fault.ErrNotFound, "no active intent for %s", issueID)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// UpdateIntent persists mutable intent fields.
func (s *Store) UpdateIntent(it *Intent) error {
	it.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE intents SET state = ?, session_id = ?, error = ?, updated_at = ? WHERE id = ?`,
		it.State, it.SessionID, it.Error, it.UpdatedAt, it.ID,
	)
	return err
}
