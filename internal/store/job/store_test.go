package job

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB, time.Second), mock
}

func TestCreateJob_InsertsJobAndOnePerUnitProgressRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO backfill_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO backfill_job_progress").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO backfill_job_progress").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	jobID, err := s.CreateJob(context.Background(), []string{"BTC-USD"}, []model.Timeframe{model.Timeframe5m, model.Timeframe1h}, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob_RollsBackOnProgressInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO backfill_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO backfill_job_progress").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.CreateJob(context.Background(), []string{"BTC-USD"}, []model.Timeframe{model.Timeframe5m}, time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartJob_NoRowsAffectedReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE backfill_jobs SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.StartJob(context.Background(), "missing-job")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgress_UpdatesSymbolsCompletedFromAggregateQuery(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE backfill_job_progress SET").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM backfill_job_progress WHERE job_id = \\$1$").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("status IN").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("fully_done").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("UPDATE backfill_jobs SET").
		WithArgs("job-1", 50, 1, "BTC-USD", string(model.Timeframe1h), int64(10), int64(10)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.UpdateProgress(context.Background(), "job-1", "BTC-USD", model.Timeframe1h, 10, 10, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgress_UnknownUnitReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE backfill_job_progress SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.UpdateProgress(context.Background(), "job-1", "BTC-USD", model.Timeframe1h, 10, 10, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJob_NoRowsAffectedReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE backfill_jobs SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CompleteJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
