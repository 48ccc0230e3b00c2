package reconcile_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	redismock "github.com/go-redis/redismock/v9"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/config"
	"github.com/hbomb79/theapipe/internal/reconcile"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*catalog.Store, sqlmock.Sqlmock, *broker.Broker, redismock.ClientMock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rdb, rmock := redismock.NewClientMock()
	t.Cleanup(func() { rdb.Close() })

	store := catalog.NewStore(sqlx.NewDb(db, "postgres"))
	brk := broker.New(rdb, config.BrokerConfig{VisibilityTimeoutSeconds: 600, MaxRetries: 3, RetryBackoffSeconds: 5})

	return store, mock, brk, rmock
}

func TestRun_ReapsFileMissingOnDisk(t *testing.T) {
	store, mock, brk, rmock := newHarness(t)
	r := reconcile.New(store, brk)

	missingPath := filepath.Join(t.TempDir(), "gone.mp3")

	fileRows := sqlmock.NewRows([]string{"id", "path", "content_hash", "kind", "created_at", "updated_at"}).
		AddRow(1, missingPath, "abc", catalog.KindOriginal, 1000, 1000)
	mock.ExpectQuery(`SELECT \* FROM file`).WillReturnRows(fileRows)

	parseRows := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusProcessing, nil, nil, nil, 1000)
	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1`).WithArgs(int64(1)).WillReturnRows(parseRows)

	mock.ExpectExec(`DELETE FROM file WHERE path = \$1`).WithArgs(missingPath).WillReturnResult(sqlmock.NewResult(0, 1))

	rmock.ExpectSMembers("theapipe:jobs:transcribe:queued").SetVal(nil)
	rmock.ExpectSMembers("theapipe:jobs:transcribe:retry_scheduled").SetVal(nil)
	rmock.ExpectSMembers("theapipe:jobs:transcribe:inflight").SetVal(nil)

	// reapOrphanedParses: no pending/processing rows left after the delete above.
	mock.ExpectQuery(`SELECT \* FROM parse WHERE status IN`).WillReturnRows(sqlmock.NewRows(
		[]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}))

	// reapOrphanedJobs: no known processors left to check.
	rmock.ExpectSMembers("theapipe:processors").SetVal(nil)

	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestRun_LeavesFilesPresentOnDiskAlone(t *testing.T) {
	store, mock, brk, rmock := newHarness(t)
	r := reconcile.New(store, brk)

	present := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(present, []byte("data"), 0o644))

	fileRows := sqlmock.NewRows([]string{"id", "path", "content_hash", "kind", "created_at", "updated_at"}).
		AddRow(1, present, "abc", catalog.KindOriginal, 1000, 1000)
	mock.ExpectQuery(`SELECT \* FROM file`).WillReturnRows(fileRows)

	mock.ExpectQuery(`SELECT \* FROM parse WHERE status IN`).WillReturnRows(sqlmock.NewRows(
		[]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}))

	rmock.ExpectSMembers("theapipe:processors").SetVal(nil)

	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}
