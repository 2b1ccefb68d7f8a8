package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime is a matcher that accepts any value (used for timestamps we can't predict exactly)
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return store, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	store, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveRunReport(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 1, 44, 0, 0, time.UTC)

	t.Run("should persist a full report without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newMockStore(t, zap.New(observedZapCore))

		report := &schemas.RunReport{
			RunID:     "run-1",
			StartedAt: started,
			EndedAt:   started.Add(20 * time.Minute),
			Success:   true,
			Stats:     map[string]int64{"scans": 12, "captchas_solved": 4},
			Incidents: []schemas.Incident{{
				ID: "INC-00001-abcdef", SessionID: "attacker-1-x",
				Type: schemas.IncidentBookingSuccess, Severity: schemas.SeverityCritical,
				Description: "booked", Timestamp: started.Add(16 * time.Minute),
			}},
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-1", anyTime, anyTime, true, []byte("{}")).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertStat)).
			WithArgs("run-1", "captchas_solved", int64(4)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertStat)).
			WithArgs("run-1", "scans", int64(12)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		mockPool.ExpectCopyFrom(pgx.Identifier{"incidents"}, incidentColumns).
			WillReturnResult(1)

		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.SaveRunReport(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should encode meta as a json object", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		report := &schemas.RunReport{RunID: "run-2", StartedAt: started, EndedAt: started, Meta: map[string]string{"attackers": "2"}}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-2", anyTime, anyTime, false, []byte(`{"attackers":"2"}`)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.SaveRunReport(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying incidents fails", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")
		report := &schemas.RunReport{
			RunID:     "run-3",
			Incidents: []schemas.Incident{{ID: "INC-00001-aaaaaa"}},
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-3", anyTime, anyTime, false, []byte("{}")).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"incidents"}, incidentColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := store.SaveRunReport(ctx, report)
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if a stat upsert fails", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		batchErr := errors.New("batch execution failed")
		report := &schemas.RunReport{RunID: "run-4", Stats: map[string]int64{"errors": 1}}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-4", anyTime, anyTime, false, []byte("{}")).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertStat)).
			WithArgs("run-4", "errors", int64(1)).
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err := store.SaveRunReport(ctx, report)
		require.Error(t, err)
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "failed to upsert stat errors")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail when the transaction cannot begin", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin().WillReturnError(errors.New("no connections"))

		err := store.SaveRunReport(ctx, &schemas.RunReport{RunID: "run-5"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestGetRunStats(t *testing.T) {
	store, mockPool := newMockStore(t, zap.NewNop())

	rows := pgxmock.NewRows([]string{"name", "value"}).
		AddRow("captchas_solved", int64(4)).
		AddRow("scans", int64(12))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetStats)).
		WithArgs("run-1").
		WillReturnRows(rows)

	stats, err := store.GetRunStats(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"captchas_solved": 4, "scans": 12}, stats)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
