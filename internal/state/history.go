// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state persists rule history so event log entries can be
// correlated with the rules that produced them, including removed ones.
package state

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
)

// RuleRecord is one rule as it was last seen in a session.
type RuleRecord struct {
	Session      string        `json:"session"`
	ID           rules.ID      `json:"id"`
	Name         string        `json:"name"`
	Adapter      string        `json:"adapter"`
	Direction    string        `json:"direction"`
	Status       string        `json:"status"`
	Latency      time.Duration `json:"latency"`
	Jitter       time.Duration `json:"jitter"`
	Distribution string        `json:"distribution"`
	Loss         float64       `json:"loss"`
	Duplicate    float64       `json:"duplicate"`
	Bandwidth    int64         `json:"bandwidth"`
	Created      time.Time     `json:"created"`
	Removed      time.Time     `json:"removed,omitempty"`
}

// Session is one engine run.
type Session struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
}

// HistoryStore records rules per engine session in SQLite.
type HistoryStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory store.
func Open(path string) (*HistoryStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "open history db")
	}
	// In-memory databases are per connection.
	db.SetMaxOpenConns(1)

	s := &HistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "init history schema")
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rules (
		session TEXT NOT NULL,
		rule_id INTEGER NOT NULL,
		name TEXT,
		adapter TEXT,
		direction TEXT,
		status TEXT NOT NULL,
		latency_ns INTEGER DEFAULT 0,
		jitter_ns INTEGER DEFAULT 0,
		distribution TEXT,
		loss REAL DEFAULT 0,
		duplicate REAL DEFAULT 0,
		bandwidth INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		removed_at INTEGER, -- Unix nanoseconds, NULL while live
		PRIMARY KEY (session, rule_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_session ON rules(session);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// BeginSession creates a new session id and records its start.
func (s *HistoryStore) BeginSession(at time.Time) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, id, at.UnixNano()); err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "record session")
	}
	return id, nil
}

// Sessions lists recorded sessions, oldest first.
func (s *HistoryStore) Sessions() ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, started_at FROM sessions ORDER BY started_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		if err := rows.Scan(&sess.ID, &started); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan session")
		}
		sess.Started = time.Unix(0, started)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordRule inserts or refreshes the row for rule in session.
func (s *HistoryStore) RecordRule(session string, rule *rules.Rule) error {
	sh := rule.Spec.Shaping
	dist := ""
	if sh.Distribution != nil {
		dist = sh.Distribution.Name()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO rules (session, rule_id, name, adapter, direction, status, latency_ns, jitter_ns,
			distribution, loss, duplicate, bandwidth, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, rule_id) DO UPDATE SET
			name = excluded.name,
			adapter = excluded.adapter,
			direction = excluded.direction,
			status = excluded.status,
			latency_ns = excluded.latency_ns,
			jitter_ns = excluded.jitter_ns,
			distribution = excluded.distribution,
			loss = excluded.loss,
			duplicate = excluded.duplicate,
			bandwidth = excluded.bandwidth
	`,
		session,
		uint32(rule.ID),
		rule.Spec.Name,
		rule.Spec.Adapter,
		rule.Spec.Direction.String(),
		rule.Status(),
		int64(sh.Latency),
		int64(sh.Jitter),
		dist,
		sh.Loss,
		sh.Duplicate,
		sh.BandwidthBytesPerSec,
		rule.Created.UnixNano(),
	)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "record rule"), "rule", rule.ID)
	}
	return nil
}

// MarkRemoved stamps the removal time of a rule.
func (s *HistoryStore) MarkRemoved(session string, id rules.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE rules SET status = ?, removed_at = ? WHERE session = ? AND rule_id = ?`,
		rules.StateRemoved.String(), at.UnixNano(), session, uint32(id))
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "mark rule removed"), "rule", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Attr(errors.Errorf(errors.KindNotFound, "rule %d not recorded in session", id), "rule", id)
	}
	return nil
}

// Rules returns every rule recorded in session, ordered by id.
func (s *HistoryStore) Rules(session string) ([]RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT rule_id, name, adapter, direction, status, latency_ns, jitter_ns, distribution,
			loss, duplicate, bandwidth, created_at, removed_at
		FROM rules WHERE session = ? ORDER BY rule_id ASC
	`, session)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query rules")
	}
	defer rows.Close()

	var out []RuleRecord
	for rows.Next() {
		rec := RuleRecord{Session: session}
		var id uint32
		var latency, jitter, created int64
		var dist sql.NullString
		var removed sql.NullInt64
		if err := rows.Scan(&id, &rec.Name, &rec.Adapter, &rec.Direction, &rec.Status,
			&latency, &jitter, &dist, &rec.Loss, &rec.Duplicate, &rec.Bandwidth, &created, &removed); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan rule")
		}
		rec.ID = rules.ID(id)
		rec.Latency = time.Duration(latency)
		rec.Jitter = time.Duration(jitter)
		rec.Distribution = dist.String
		rec.Created = time.Unix(0, created)
		if removed.Valid {
			rec.Removed = time.Unix(0, removed.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
