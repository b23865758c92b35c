package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS radius_log (
		seq                BIGSERIAL PRIMARY KEY,
		id                 TEXT NOT NULL UNIQUE,
		ts                 TIMESTAMPTZ NOT NULL,
		level              TEXT NOT NULL,
		type               TEXT NOT NULL,
		message            TEXT NOT NULL,
		username           TEXT NOT NULL DEFAULT '',
		calling_station_id TEXT NOT NULL DEFAULT '',
		nas_identifier     TEXT NOT NULL DEFAULT '',
		session_id         TEXT NOT NULL DEFAULT '',
		action             TEXT NOT NULL DEFAULT '',
		result             TEXT NOT NULL DEFAULT '',
		failure_reason     TEXT NOT NULL DEFAULT '',
		anomaly            TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS radius_log_ts_idx ON radius_log (ts DESC, seq)`,
	`CREATE INDEX IF NOT EXISTS radius_log_username_idx ON radius_log (username)`,
}

const selectColumns = `seq, id, ts, level, type, message, username, calling_station_id,
	nas_identifier, session_id, action, result, failure_reason, anomaly`

// PostgresStorage keeps the log in a PostgreSQL table.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStorage connects, pings and creates the schema if needed.
func NewPostgresStorage(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.Unavailable("postgres connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Unavailable("postgres ping", err)
	}

	s := &PostgresStorage{pool: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL log storage ready")
	return s, nil
}

func (s *PostgresStorage) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.wrap("create schema", err)
		}
	}
	return nil
}

// Append inserts the entry and records the assigned sequence.
func (s *PostgresStorage) Append(ctx context.Context, e *Entry) error {
	row := s.pool.QueryRow(ctx, `INSERT INTO radius_log
		(id, ts, level, type, message, username, calling_station_id, nas_identifier,
		 session_id, action, result, failure_reason, anomaly)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq`,
		e.ID, e.Timestamp, string(e.Level), string(e.Type), e.Message, e.Username,
		e.CallingStationID, e.NASIdentifier, e.SessionID, e.Action, string(e.Result),
		e.FailureReason, e.Anomaly,
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return s.wrap("insert", err)
	}
	e.Seq = uint64(seq)
	return nil
}

// Query counts matches and returns one page.
func (s *PostgresStorage) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	where, args := whereClause(f)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM radius_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, s.wrap("count", err)
	}

	q := "SELECT " + selectColumns + " FROM radius_log" + where + " ORDER BY ts DESC, seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, s.wrap("query", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, 0, s.wrap("query", err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return entries, total, nil
}

// Scan streams matching rows in insertion order.
func (s *PostgresStorage) Scan(ctx context.Context, f Filter) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		if err := f.Validate(); err != nil {
			yield(nil, err)
			return
		}
		where, args := whereClause(f)
		rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM radius_log"+where+" ORDER BY seq", args...)
		if err != nil {
			yield(nil, s.wrap("scan", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(nil, s.wrap("scan row", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, s.wrap("scan", err))
		}
	}
}

// Close releases the pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.FromContext(err)
	}
	return apperr.Unavailable("postgres "+op, err)
}

func whereClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Level != "" {
		add("level = $%d", string(f.Level))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Result != "" {
		add("result = $%d", string(f.Result))
	}
	if f.Username != "" {
		add("username = $%d", f.Username)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntry(row pgx.CollectableRow) (*Entry, error) {
	var (
		e      Entry
		seq    int64
		level  string
		typ    string
		result string
	)
	err := row.Scan(&seq, &e.ID, &e.Timestamp, &level, &typ, &e.Message, &e.Username,
		&e.CallingStationID, &e.NASIdentifier, &e.SessionID, &e.Action, &result,
		&e.FailureReason, &e.Anomaly)
	if err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	e.Level = Level(level)
	e.Type = Type(typ)
	e.Result = Result(result)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}
