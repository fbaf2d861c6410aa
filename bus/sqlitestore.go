package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/petalstream/runtime"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	block_id   TEXT    NOT NULL DEFAULT '',
	block_name TEXT    NOT NULL DEFAULT '',
	time       TEXT    NOT NULL,
	elapsed    INTEGER NOT NULL DEFAULT 0,
	payload    TEXT    NOT NULL DEFAULT '{}',
	trace_id   TEXT    NOT NULL DEFAULT '',
	span_id    TEXT    NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events (run_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_block ON events (run_id, block_id);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string, a file path or a "file:" URI.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists run events to a SQLite database in WAL mode,
// optionally pruning old events from a background goroutine.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlitestore: empty DSN")
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event. Appending the same (run, seq) twice keeps the
// first copy.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (run_id, seq, kind, block_id, block_name, time, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID,
		event.Seq,
		string(event.Kind),
		event.BlockID,
		event.BlockName,
		event.Time.UTC().Format(time.RFC3339Nano),
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns the events matching q in Seq order.
func (s *SQLiteEventStore) List(ctx context.Context, q Query) ([]runtime.Event, error) {
	query := `SELECT run_id, seq, kind, block_id, block_name, time, elapsed, payload, trace_id, span_id
	           FROM events WHERE run_id = ? AND seq > ?`
	args := []any{q.RunID, q.AfterSeq}
	if q.BlockID != "" {
		query += " AND block_id = ?"
		args = append(args, q.BlockID)
	}
	if len(q.Kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(", ?", len(q.Kinds)-1) + ")"
		for _, k := range q.Kinds {
			args = append(args, string(k))
		}
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is never negative
}

// Runs lists the stored runs, most recent first.
func (s *SQLiteEventStore) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), MIN(time), MAX(time),
		       COALESCE(MAX(CASE WHEN kind = ? THEN json_extract(payload, '$.graph') END), ''),
		       COALESCE(MAX(CASE WHEN kind = ? THEN json_extract(payload, '$.state') END), '')
		  FROM events GROUP BY run_id ORDER BY MAX(time) DESC`,
		string(runtime.EventRunStarted), string(runtime.EventRunFinished))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r           RunSummary
			first, last string
		)
		if err := rows.Scan(&r.RunID, &r.Events, &first, &last, &r.Graph, &r.Outcome); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run: %w", err)
		}
		if r.First, err = time.Parse(time.RFC3339Nano, first); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", first, err)
		}
		if r.Last, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", last, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		// Rank inside each run, newest first, and drop everything past the limit.
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS rank
					  FROM events
				) WHERE rank > ?
			)`, s.cfg.RetentionCount); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e           runtime.Event
			kind        string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.RunID,
			&e.Seq,
			&kind,
			&e.BlockID,
			&e.BlockName,
			&timeStr,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = runtime.EventKind(kind)
		e.Elapsed = time.Duration(elapsedNano)
		if e.Time, err = time.Parse(time.RFC3339Nano, timeStr); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
