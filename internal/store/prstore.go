package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/droverhq/drover/internal/fault"
)

// PRSnapshot is the persisted state of one PR state machine, stored as an
// opaque JSON blob with a version counter. On restart the machine loads
// the snapshot and replays any events logged after its version.
type PRSnapshot struct {
	Repo     string
	Number   int
	Version  int64
	Snapshot []byte
}

// SavePRSnapshot upserts a PR snapshot.
func (s *Store) SavePRSnapshot(snap *PRSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO pr_snapshots (repo, number, version, snapshot)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(repo, number) DO UPDATE SET
			version = excluded.version, snapshot = excluded.snapshot`,
		snap.Repo, snap.Number, snap.Version, string(snap.Snapshot),
	)
	return err
}

// GetPRSnapshot loads a PR snapshot.
func (s *Store) GetPRSnapshot(repo string, number int) (*PRSnapshot, error) {
	snap := &PRSnapshot{Repo: repo, Number: number}
	var blob string
	err := s.db.QueryRow(
		`SELECT version, snapshot FROM pr_snapshots WHERE repo = ? AND number = ?`,
		repo, number,
	).Scan(&snap.Version, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Wrapf(fault.ErrNotFound, "pr %s#%d", repo, number)
	}
	if err != nil {
		return nil, err
	}
	snap.Snapshot = []byte(blob)
	return snap, nil
}

// PREvent is one applied event in a PR's append log.
type PREvent struct {
	ID        int64
	Repo      string
	Number    int
	Delivery  string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// AppendPREvent logs an applied event and returns its log ID.
func (s *Store) AppendPREvent(e *PREvent) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO pr_events (repo, number, delivery, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Repo, e.Number, e.Delivery, e.EventType, string(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PREventsAfter returns a PR's events with log ID greater than version,
// in application order.
func (s *Store) PREventsAfter(repo string, number int, version int64) ([]*PREvent, error) {
	rows, err := s.db.Query(
		`SELECT id, repo, number, delivery, event_type, payload, created_at
		 FROM pr_events
		 WHERE repo = ? AND number = ? AND id > ?
		 ORDER BY id ASC`, repo, number, version,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PREvent
	for rows.Next() {
		e := &PREvent{}
		var payload string
		if err := rows.Scan(&e.ID, &e.Repo, &e.Number, &e.Delivery, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
