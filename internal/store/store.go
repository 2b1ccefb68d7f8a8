package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id     TEXT PRIMARY KEY,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ NOT NULL,
    success    BOOLEAN NOT NULL,
    meta       JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS run_stats (
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    name   TEXT NOT NULL,
    value  BIGINT NOT NULL,
    PRIMARY KEY (run_id, name)
);
CREATE TABLE IF NOT EXISTS incidents (
    id          TEXT NOT NULL,
    run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    session_id  TEXT NOT NULL,
    type        TEXT NOT NULL,
    severity    TEXT NOT NULL,
    description TEXT NOT NULL,
    evidence    JSONB NOT NULL DEFAULT '{}',
    resolved    BOOLEAN NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, id)
);
`

const sqlUpsertRun = `
    INSERT INTO runs (run_id, started_at, ended_at, success, meta)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (run_id) DO UPDATE SET
        ended_at = EXCLUDED.ended_at,
        success = EXCLUDED.success,
        meta = EXCLUDED.meta;
`

const sqlUpsertStat = `
    INSERT INTO run_stats (run_id, name, value)
    VALUES ($1, $2, $3)
    ON CONFLICT (run_id, name) DO UPDATE SET value = EXCLUDED.value;
`

const sqlGetStats = `
    SELECT name, value
    FROM run_stats
    WHERE run_id = $1
    ORDER BY name ASC;
`

var incidentColumns = []string{"id", "run_id", "session_id", "type", "severity", "description", "evidence", "resolved", "occurred_at"}

// Store persists run reports to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveRunReport writes the run row, its counters and its incidents in one transaction.
func (s *Store) SaveRunReport(ctx context.Context, report *schemas.RunReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	meta, err := jsonObject(report.Meta)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlUpsertRun,
		report.RunID, report.StartedAt.UTC(), report.EndedAt.UTC(), report.Success, meta,
	); err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if len(report.Stats) > 0 {
		if err := s.persistStats(ctx, tx, report.RunID, report.Stats); err != nil {
			return err
		}
	}

	if len(report.Incidents) > 0 {
		if err := s.persistIncidents(ctx, tx, report.RunID, report.Incidents); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Run report stored",
		zap.String("run_id", report.RunID),
		zap.Int("incidents", len(report.Incidents)),
	)
	return nil
}

func (s *Store) persistStats(ctx context.Context, tx pgx.Tx, runID string, stats map[string]int64) error {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	batch := &pgx.Batch{}
	for _, name := range names {
		batch.Queue(sqlUpsertStat, runID, name, stats[name])
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, name := range names {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert stat %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) persistIncidents(ctx context.Context, tx pgx.Tx, runID string, incidents []schemas.Incident) error {
	rows := make([][]interface{}, len(incidents))
	for i, inc := range incidents {
		evidence, err := jsonObject(inc.Evidence)
		if err != nil {
			return err
		}
		rows[i] = []interface{}{
			inc.ID, runID, inc.SessionID,
			string(inc.Type), string(inc.Severity), inc.Description,
			evidence, inc.Resolved,
			inc.Timestamp.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"incidents"}, incidentColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy incidents: %w", err)
	}
	if int(copyCount) != len(incidents) {
		return fmt.Errorf("mismatch in copied incidents count: expected %d, got %d", len(incidents), copyCount)
	}
	return nil
}

// GetRunStats loads the counters stored for runID.
func (s *Store) GetRunStats(ctx context.Context, runID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, sqlGetStats, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}
		stats[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

// jsonObject encodes m for a JSONB column, using {} rather than null for empty maps.
func jsonObject(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return data, nil
}
