package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/kproc/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, tick_interval, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Label, run.TickInterval, run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)
	var run model.Run
	var startedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, tick_interval, started_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Label, &run.TickInterval, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	return &run, nil
}

// --- Trace events ---

// RecordEvents appends events in one transaction. The events keep their
// order; ids are assigned by the database.
func (s *SQLiteStore) RecordEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "events", "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, tick, kind, from_pid, from_name, to_pid, to_name, signal_context, signal, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.RunID, int64(ev.Tick), string(ev.Kind),
			ev.FromPID, ev.FromName, ev.ToPID, ev.ToName,
			boolToInt(ev.SignalContext), ev.Signal, ev.Detail,
			ev.At.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert event (tick %d): %w", ev.Tick, err)
		}
	}
	return tx.Commit()
}

// ListEvents returns events in recording order along with the total number
// matching the filters.
func (s *SQLiteStore) ListEvents(ctx context.Context, opts model.ListOptions) ([]*model.Event, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any

	if opts.RunID != "" {
		whereClauses = append(whereClauses, "run_id = ?")
		countArgs = append(countArgs, opts.RunID)
	}
	if opts.Kind != "" {
		whereClauses = append(whereClauses, "kind = ?")
		countArgs = append(countArgs, string(opts.Kind))
	}
	if opts.PID != 0 {
		whereClauses = append(whereClauses, "(from_pid = ? OR to_pid = ?)")
		countArgs = append(countArgs, opts.PID, opts.PID)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, run_id, tick, kind, from_pid, from_name, to_pid, to_name, signal_context, signal, detail, at
		FROM events` + whereSQL + ` ORDER BY id ASC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var ev model.Event
		var tick int64
		var kind, at string
		var sigCtx int

		if err := rows.Scan(&ev.ID, &ev.RunID, &tick, &kind,
			&ev.FromPID, &ev.FromName, &ev.ToPID, &ev.ToName,
			&sigCtx, &ev.Signal, &ev.Detail, &at); err != nil {
			return nil, 0, err
		}
		ev.Tick = uint64(tick)
		ev.Kind = model.EventKind(kind)
		ev.SignalContext = sigCtx != 0
		ev.At, _ = time.Parse(time.RFC3339Nano, at)

		events = append(events, &ev)
	}
	return events, total, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
