package store

import (
	"database/sql"
	"errors"
	"time"
)

// SyncSnapshot is the persisted state of one repo's sync coordinator.
type SyncSnapshot struct {
	Repo           string     `json:"repo"`
	State          string     `json:"state"`
	ErrorCount     int        `json:"error_count"`
	IssueCount     int        `json:"issue_count"`
	MilestoneCount int        `json:"milestone_count"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
	LastSHA        string     `json:"last_sha,omitempty"`
}

// SaveSyncSnapshot upserts coordinator state for a repo.
func (s *Store) SaveSyncSnapshot(snap *SyncSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_state (repo, state, error_count, issue_count, milestone_count, last_success, last_sha)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo) DO UPDATE SET
			state = excluded.state,
			error_count = excluded.error_count,
			issue_count = excluded.issue_count,
			milestone_count = excluded.milestone_count,
			last_success = excluded.last_success,
			last_sha = excluded.last_sha`,
		snap.Repo, snap.State, snap.ErrorCount, snap.IssueCount, snap.MilestoneCount, snap.LastSuccess, snap.LastSHA,
	)
	return err
}

// GetSyncSnapshot loads coordinator state; a repo never synced before
// gets a fresh idle snapshot.
func (s *Store) GetSyncSnapshot(repo string) (*SyncSnapshot, error) {
	snap := &SyncSnapshot{Repo: repo}
	err := s.db.QueryRow(
		`SELECT state, error_count, issue_count, milestone_count, last_success, last_sha
		 FROM sync_state WHERE repo = ?`, repo,
	).Scan(&snap.State, &snap.ErrorCount, &snap.IssueCount, &snap.MilestoneCount, &snap.LastSuccess, &snap.LastSHA)
	if errors.Is(err, sql.ErrNoRows) {
		snap.State = "idle"
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// JournalEntry is one recorded sync action.
type JournalEntry struct {
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendJournal records a sync action for a repo.
func (s *Store) AppendJournal(repo, source, action string) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_journal (repo, source, action, created_at) VALUES (?, ?, ?, ?)`,
		repo, source, action, time.Now().UTC(),
	)
	return err
}

// RecentJournal returns the newest n journal entries for a repo.
func (s *Store) RecentJournal(repo string, n int) ([]JournalEntry, error) {
	rows, err := s.db.Query(
		`SELECT source, action, created_at FROM sync_journal
		 WHERE repo = ? ORDER BY id DESC LIMIT ?`, repo, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.Source, &e.Action, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
