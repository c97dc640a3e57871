package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hazz-dev/healthgate/internal/probe"
)

const schema = `
CREATE TABLE IF NOT EXISTS checks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance    TEXT    NOT NULL,
    probe       TEXT    NOT NULL,
    kind        TEXT    NOT NULL CHECK(kind IN ('liveness', 'readiness')),
    status      TEXT    NOT NULL CHECK(status IN ('up', 'down')),
    result      TEXT    NOT NULL CHECK(result IN ('healthy', 'unhealthy', 'unknown')),
    state       TEXT    NOT NULL,
    failures    INTEGER NOT NULL DEFAULT 0,
    response_ms INTEGER NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    checked_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checks_probe ON checks(probe);
CREATE INDEX IF NOT EXISTS idx_checks_checked_at ON checks(checked_at DESC);
CREATE INDEX IF NOT EXISTS idx_checks_probe_checked ON checks(probe, checked_at DESC);

CREATE TABLE IF NOT EXISTS transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance    TEXT    NOT NULL,
    probe       TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    from_state  TEXT    NOT NULL,
    to_state    TEXT    NOT NULL,
    failures    INTEGER NOT NULL DEFAULT 0,
    reason      TEXT    NOT NULL DEFAULT '',
    at          TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_probe_at ON transitions(probe, at DESC);
`

// Check is a stored check observation.
type Check struct {
	ID         int64     `json:"id"`
	Instance   string    `json:"instance"`
	Probe      string    `json:"probe"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Result     string    `json:"result"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	ResponseMs int64     `json:"response_ms"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Transition is a stored probe state change.
type Transition struct {
	ID       int64     `json:"id"`
	Instance string    `json:"instance"`
	Probe    string    `json:"probe"`
	Kind     string    `json:"kind"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Failures int       `json:"failures"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// DB wraps a SQLite database. Every row written through a DB is tagged with
// the agent instance id generated when it was opened, so history from
// successive container lifetimes can be told apart.
type DB struct {
	db       *sql.DB
	instance string
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %q: %w", path, err)
	}
	// SQLite has a single writer, and each connection to ":memory:" would
	// otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{db: db, instance: uuid.NewString()}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Instance returns the id this DB tags new rows with.
func (d *DB) Instance() string {
	return d.instance
}

// InsertObservation persists one check observation.
func (d *DB) InsertObservation(ctx context.Context, o probe.Observation) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO checks (instance, probe, kind, status, result, state, failures, response_ms, error, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.instance,
		o.Probe,
		string(o.Kind),
		string(o.Check.Status),
		string(o.Result),
		string(o.State),
		o.Failures,
		o.Check.ResponseTime.Milliseconds(),
		o.Check.Error,
		formatTime(o.Check.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting check for %q: %w", o.Probe, err)
	}
	return nil
}

// InsertTransition persists one state change.
func (d *DB) InsertTransition(ctx context.Context, t probe.Transition) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO transitions (instance, probe, kind, from_state, to_state, failures, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.instance,
		t.Probe,
		string(t.Kind),
		string(t.From),
		string(t.To),
		t.Failures,
		t.Reason,
		formatTime(t.At),
	)
	if err != nil {
		return fmt.Errorf("inserting transition for %q: %w", t.Probe, err)
	}
	return nil
}

const checkColumns = `id, instance, probe, kind, status, result, state, failures, response_ms, error, checked_at`

// LatestCheck returns the most recent check for the given probe, or nil if none.
func (d *DB) LatestCheck(ctx context.Context, probeName string) (*Check, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+checkColumns+` FROM checks WHERE probe = ? ORDER BY checked_at DESC, id DESC LIMIT 1`,
		probeName,
	)
	c, err := scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest check for %q: %w", probeName, err)
	}
	return c, nil
}

// ProbeHistory returns paginated check history for a probe plus the total count.
func (d *DB) ProbeHistory(ctx context.Context, probeName string, limit, offset int) ([]Check, int, error) {
	var total int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checks WHERE probe = ?`, probeName,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting checks for %q: %w", probeName, err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+checkColumns+` FROM checks WHERE probe = ? ORDER BY checked_at DESC, id DESC LIMIT ? OFFSET ?`,
		probeName, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying history for %q: %w", probeName, err)
	}
	defer rows.Close()

	checks, err := scanChecks(rows)
	if err != nil {
		return nil, 0, err
	}
	return checks, total, nil
}

// AllLatest returns the most recent check for each probe.
func (d *DB) AllLatest(ctx context.Context) ([]Check, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+checkColumns+`
		FROM checks
		WHERE id IN (
			SELECT MAX(id) FROM checks GROUP BY probe
		)
		ORDER BY probe
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all latest: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows)
}

// Transitions returns the most recent state changes of a probe, newest first.
func (d *DB) Transitions(ctx context.Context, probeName string, limit int) ([]Transition, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, instance, probe, kind, from_state, to_state, failures, reason, at
		 FROM transitions WHERE probe = ? ORDER BY at DESC, id DESC LIMIT ?`,
		probeName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions for %q: %w", probeName, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at string
		if err := rows.Scan(&t.ID, &t.Instance, &t.Probe, &t.Kind, &t.From, &t.To, &t.Failures, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("scanning transition row: %w", err)
		}
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transition rows: %w", err)
	}
	return out, nil
}

// HealthyPercent returns the percentage of checks with a healthy verdict in
// the last N checks for a probe. Checks with an unknown verdict are included
// in the denominator.
func (d *DB) HealthyPercent(ctx context.Context, probeName string, last int) (float64, error) {
	var total int
	var healthy sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN result = 'healthy' THEN 1 ELSE 0 END)
		FROM (
			SELECT result FROM checks WHERE probe = ? ORDER BY checked_at DESC, id DESC LIMIT ?
		)
	`, probeName, last).Scan(&total, &healthy)
	if err != nil {
		return 0, fmt.Errorf("calculating healthy percent for %q: %w", probeName, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(healthy.Int64) / float64(total) * 100, nil
}

// Prune deletes checks and transitions recorded before cutoff and reports
// how many rows were removed.
func (d *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := formatTime(before)
	res, err := d.db.ExecContext(ctx, `DELETE FROM checks WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning checks: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = d.db.ExecContext(ctx, `DELETE FROM transitions WHERE at < ?`, cutoff)
	if err != nil {
		return n, fmt.Errorf("pruning transitions: %w", err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

// Timestamps are stored as fixed-width UTC strings so they order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheck(row scanner) (*Check, error) {
	var c Check
	var checkedAt string
	err := row.Scan(&c.ID, &c.Instance, &c.Probe, &c.Kind, &c.Status, &c.Result, &c.State, &c.Failures, &c.ResponseMs, &c.Error, &checkedAt)
	if err != nil {
		return nil, err
	}
	if c.CheckedAt, err = parseTime(checkedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChecks(rows *sql.Rows) ([]Check, error) {
	var checks []Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning check row: %w", err)
		}
		checks = append(checks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating check rows: %w", err)
	}
	return checks, nil
}
