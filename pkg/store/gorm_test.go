package store

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)

	return NewGormStore(gdb), mock
}

func TestGetIntegration(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "integration_settings" WHERE id = $1`)).
		WithArgs("int-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "vendor", "is_active", "created_at", "updated_at"}).
			AddRow("int-1", "quickbooks", true, now, now))

	integration, err := s.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	assert.Equal(t, "quickbooks", integration.Vendor)
	assert.True(t, integration.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntegrationNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "integration_settings" WHERE id = $1`)).
		WithArgs("missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetIntegration(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntegrationWrappedNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	// Drivers and middleware can hand back a wrapped record-not-found.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "integration_settings" WHERE id = $1`)).
		WithArgs("missing", 1).
		WillReturnError(fmt.Errorf("query session: %w", gorm.ErrRecordNotFound))

	_, err := s.GetIntegration(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDueJobsOrdering(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "sync_jobs" WHERE status = \$1 AND scheduled_at <= \$2 ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, scheduled_at ASC LIMIT \$3`).
		WithArgs(models.JobStatusQueued, now, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "priority", "status"}).
			AddRow("job-1", models.PriorityHigh, models.JobStatusQueued).
			AddRow("job-2", models.PriorityNormal, models.JobStatusQueued))

	jobs, err := s.DueJobs(context.Background(), now, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJob(t *testing.T) {
	s, mock := newMockStore(t)

	started := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "sync_jobs" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := s.ClaimJob(context.Background(), "job-1", "worker-a", started)
	require.NoError(t, err)
	assert.True(t, claimed)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "sync_jobs" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = s.ClaimJob(context.Background(), "job-1", "worker-b", started)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountRunning(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "sync_jobs" WHERE status = $1`)).
		WithArgs(models.JobStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := s.CountRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
