package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/osimpipe/internal/engine"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/worker"
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

// utcTime accepts a time.Time in UTC.
var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	ts, ok := v.(time.Time)
	return ok && ts.Location() == time.UTC
})

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleReport() *engine.Report {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	return &engine.Report{
		RunID:      uuid.MustParse("6f1c2b7e-0d1a-4c55-9d0e-2f3b8a9c1d11"),
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Results: []engine.JobResult{
			{
				Job:      worker.Job{Type: worker.TaskExportEMG, Participant: "dapo", Kind: resolver.KindEMG, Trial: "walk1.csv"},
				Status:   engine.StatusSucceeded,
				Outcome:  worker.Outcome{Output: "/p/dapo/0_emg/walk1.sto", AttemptIndex: 1, Placeholders: []int{2}},
				Duration: 1500 * time.Millisecond,
			},
			{
				Job:      worker.Job{Type: worker.TaskExportEMG, Participant: "dapo", Kind: resolver.KindEMG, Trial: "walk2.csv"},
				Status:   engine.StatusFailed,
				Err:      errors.New("no assignment matched"),
				Duration: 20 * time.Millisecond,
			},
		},
	}
}

// -- Test Cases --

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

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	report := sampleReport()
	runID := report.RunID.String()

	t.Run("should persist the run and its outcomes", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(upsertRunSQL)).
			WithArgs(runID, utcTime, utcTime, 1, 1).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(deleteOutcomesSQL)).
			WithArgs(runID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"trial_outcomes"}, outcomeColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.RecordRun(ctx, report))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should roll back when the copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		copyErr := errors.New("relation does not exist")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(upsertRunSQL)).
			WithArgs(runID, utcTime, utcTime, 1, 1).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(deleteOutcomesSQL)).
			WithArgs(runID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"trial_outcomes"}, outcomeColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.RecordRun(ctx, report)
		require.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(upsertRunSQL)).
			WithArgs(runID, utcTime, utcTime, 1, 1).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(deleteOutcomesSQL)).
			WithArgs(runID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"trial_outcomes"}, outcomeColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.RecordRun(ctx, report)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should skip the copy for an empty run", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		empty := &engine.Report{RunID: report.RunID, StartedAt: report.StartedAt, FinishedAt: report.FinishedAt}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(upsertRunSQL)).
			WithArgs(runID, utcTime, utcTime, 0, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(deleteOutcomesSQL)).
			WithArgs(runID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.RecordRun(ctx, empty))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail when the transaction cannot begin", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("too many connections")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		require.ErrorIs(t, s.RecordRun(ctx, report), beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestOutcomeRow(t *testing.T) {
	report := sampleReport()

	ok := outcomeRow("run", report.Results[0])
	require.Len(t, ok, len(outcomeColumns))
	assert.Equal(t, "emg", ok[2])
	assert.Equal(t, "succeeded", ok[4])
	require.NotNil(t, ok[5])
	assert.Equal(t, int32(1), *ok[5].(*int32))
	assert.Equal(t, []int32{2}, ok[6])
	assert.Equal(t, "/p/dapo/0_emg/walk1.sto", *ok[7].(*string))
	assert.Nil(t, ok[8].(*string))
	assert.Equal(t, int64(1500), ok[9])

	failed := outcomeRow("run", report.Results[1])
	assert.Nil(t, failed[5].(*int32))
	assert.Equal(t, []int32{}, failed[6])
	assert.Nil(t, failed[7].(*string))
	assert.Equal(t, "no assignment matched", *failed[8].(*string))

	tool := outcomeRow("run", engine.JobResult{
		Job:    worker.Job{Type: worker.TaskInverseKinematics, Participant: "dapo", Trial: "walk1.trc"},
		Status: engine.StatusSucceeded,
	})
	assert.Equal(t, "inverse_kinematics", tool[2])
	assert.Nil(t, tool[5].(*int32))
}

func TestLatestOutcomes(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	attempt := int32(0)
	output := "/p/dapo/0_emg/walk1.sto"
	failure := "no assignment matched"
	rows := pgxmock.NewRows([]string{"trial", "status", "attempt_index", "output", "error"}).
		AddRow("walk1.csv", "succeeded", &attempt, &output, (*string)(nil)).
		AddRow("walk2.csv", "failed", (*int32)(nil), (*string)(nil), &failure)
	mockPool.ExpectQuery(flexibleSQLMatcher(latestOutcomesSQL)).
		WithArgs("dapo", "emg").
		WillReturnRows(rows)

	got, err := s.LatestOutcomes(context.Background(), "dapo", "emg")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, engine.StatusSucceeded, got[0].Status)
	require.NotNil(t, got[0].AttemptIndex)
	assert.Equal(t, int32(0), *got[0].AttemptIndex)
	assert.Equal(t, output, *got[0].Output)
	assert.Equal(t, engine.StatusFailed, got[1].Status)
	assert.Nil(t, got[1].AttemptIndex)
	assert.Equal(t, failure, *got[1].Error)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
