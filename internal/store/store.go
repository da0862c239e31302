// Package store provides durable persistence for drover's stateful
// entities: repository bindings, workflow intents, PR state machine
// snapshots with their event logs, sync coordinator state, and the
// webhook idempotency cache. Backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS repo_bindings (
			owner           TEXT NOT NULL,
			name            TEXT NOT NULL,
			installation_id INTEGER NOT NULL DEFAULT 0,
			webhook_secret  TEXT NOT NULL DEFAULT '',
			default_branch  TEXT NOT NULL DEFAULT 'main',
			PRIMARY KEY (owner, name)
		);

		CREATE TABLE IF NOT EXISTS intents (
			id          TEXT PRIMARY KEY,
			repo        TEXT NOT NULL,
			issue_id    TEXT NOT NULL,
			agent       TEXT NOT NULL,
			state       TEXT NOT NULL DEFAULT 'running',
			session_id  TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			started_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_intents_issue
			ON intents(repo, issue_id);

		CREATE TABLE IF NOT EXISTS pr_snapshots (
			repo     TEXT NOT NULL,
			number   INTEGER NOT NULL,
			version  INTEGER NOT NULL DEFAULT 0,
			snapshot TEXT NOT NULL,
			PRIMARY KEY (repo, number)
		);

		CREATE TABLE IF NOT EXISTS pr_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			repo       TEXT NOT NULL,
			number     INTEGER NOT NULL,
			delivery   TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pr_events_pr
			ON pr_events(repo, number);

		CREATE TABLE IF NOT EXISTS sync_state (
			repo            TEXT PRIMARY KEY,
			state           TEXT NOT NULL DEFAULT 'idle',
			error_count     INTEGER NOT NULL DEFAULT 0,
			issue_count     INTEGER NOT NULL DEFAULT 0,
			milestone_count INTEGER NOT NULL DEFAULT 0,
			last_success    DATETIME,
			last_sha        TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS sync_journal (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			repo       TEXT NOT NULL,
			source     TEXT NOT NULL,
			action     TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sync_journal_repo
			ON sync_journal(repo, id);

		CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			created_at  DATETIME NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Repository bindings ---

// Binding ties a repository to its installation and webhook secret.
type Binding struct {
	Owner          string `json:"owner"`
	Name           string `json:"name"`
	InstallationID int64  `json:"installation_id"`
	WebhookSecret  string `json:"-"`
	DefaultBranch  string `json:"default_branch"`
}

// FullName returns "owner/name".
func (b *Binding) FullName() string { return b.Owner + "/" + b.Name }

// PutBinding upserts a repository binding.
func (s *Store) PutBinding(b *Binding) error {
	if b.DefaultBranch == "" {
		b.DefaultBranch = "main"
	}
	_, err := s.db.Exec(
		`INSERT INTO repo_bindings (owner, name, installation_id, webhook_secret, default_branch)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner, name) DO UPDATE SET
			installation_id = excluded.installation_id,
			webhook_secret  = excluded.webhook_secret,
			default_branch  = excluded.default_branch`,
		b.Owner, b.Name, b.InstallationID, b.WebhookSecret, b.DefaultBranch,
	)
	return err
}

// GetBinding looks up a binding by owner and name.
func (s *Store) GetBinding(owner, name string) (*Binding, error) {
	b := &Binding{}
	err := s.db.QueryRow(
		`SELECT owner, name, installation_id, webhook_secret, default_branch
		 FROM repo_bindings WHERE owner = ? AND name = ?`, owner, name,
	).Scan(&b.Owner, &b.Name, &b.InstallationID, &b.WebhookSecret, &b.DefaultBranch)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBindingByInstallation looks up a binding by installation ID.
func (s *Store) GetBindingByInstallation(installationID int64, fullName string) (*Binding, error) {
	b := &Binding{}
	err := s.db.QueryRow(
		`SELECT owner, name, installation_id, webhook_secret, default_branch
		 FROM repo_bindings
		 WHERE installation_id = ? AND owner || '/' || name = ?`,
		installationID, fullName,
	).Scan(&b.Owner, &b.Name, &b.InstallationID, &b.WebhookSecret, &b.DefaultBranch)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBindings returns every bound repository.
func (s *Store) ListBindings() ([]*Binding, error) {
	rows, err := s.db.Query(
		`SELECT owner, name, installation_id, webhook_secret, default_branch
		 FROM repo_bindings ORDER BY owner, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Binding
	for rows.Next() {
		b := &Binding{}
		if err := rows.Scan(&b.Owner, &b.Name, &b.InstallationID, &b.WebhookSecret, &b.DefaultBranch); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Idempotency cache ---

// maxDeliveries bounds the idempotency cache; the oldest rows are pruned
// once the table grows past it.
const maxDeliveries = 10000

// SeenDelivery records a webhook delivery ID and reports whether it was
// already present. The insert and the check are one atomic statement, so
// concurrent duplicate deliveries collapse to a single winner.
func (s *Store) SeenDelivery(deliveryID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO deliveries (delivery_id, created_at) VALUES (?, ?)
		 ON CONFLICT(delivery_id) DO NOTHING`,
		deliveryID, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		// New delivery; opportunistically prune old entries.
		_, _ = s.db.Exec(
			`DELETE FROM deliveries WHERE delivery_id IN (
				SELECT delivery_id FROM deliveries
				ORDER BY created_at DESC LIMIT -1 OFFSET ?)`, maxDeliveries)
		return false, nil
	}
	return true, nil
}
