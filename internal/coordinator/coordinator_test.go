package coordinator_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	redismock "github.com/go-redis/redismock/v9"
	"github.com/hbomb79/theapipe/internal/approval"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/config"
	"github.com/hbomb79/theapipe/internal/coordinator"
	"github.com/hbomb79/theapipe/internal/registry"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func noopRun(_ context.Context, inputPath string, _ map[string]any) (string, error) {
	return inputPath + ".out", nil
}

func newHarness(t *testing.T) (*catalog.Store, sqlmock.Sqlmock, *broker.Broker, redismock.ClientMock, *registry.Registry) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rdb, rmock := redismock.NewClientMock()
	t.Cleanup(func() { rdb.Close() })

	store := catalog.NewStore(sqlx.NewDb(db, "postgres"))
	brk := broker.New(rdb, config.BrokerConfig{VisibilityTimeoutSeconds: 600, MaxRetries: 3, RetryBackoffSeconds: 5})

	reg, err := registry.New(registry.Descriptor{
		Name: "transcribe", InputExtensions: []string{".mp3"}, OutputExt: ".transcript.txt", Run: noopRun,
	})
	require.NoError(t, err)

	return store, mock, brk, rmock, reg
}

func processorConfigRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"name", "implementation", "input_extensions", "input_tags", "output_ext",
		"depends_on", "is_enabled", "allow_user_selection", "allow_derived_files", "config",
	}).AddRow("transcribe", "transcribe", "{.mp3}", "{}", ".transcript.txt", "{}", true, true, false, nil)
}

// runUntilSettled drives the coordinator's Run loop in the background, submits
// msg, and waits for every mock expectation to be met (or the deadline) before
// cancelling it - Run has no synchronous "handle one message" entrypoint, so
// the only observable completion signal is the mock expectations draining.
func runUntilSettled(t *testing.T, c *coordinator.Coordinator, msg coordinator.Message, mock sqlmock.Sqlmock, rmock redismock.ClientMock) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	c.Submit(msg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil && rmock.ExpectationsWereMet() == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestHandleFileAdded_AdmitsReadyProcessorInAutoMode(t *testing.T) {
	store, mock, brk, rmock, reg := newHarness(t)
	gate := approval.New(store, reg, brk)
	c := coordinator.New(store, reg, brk, gate)

	path := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	mock.ExpectQuery(`SELECT \* FROM processor_config ORDER BY name`).WillReturnRows(processorConfigRows())

	fileRows := sqlmock.NewRows([]string{"id", "path", "content_hash", "kind", "created_at", "updated_at"}).
		AddRow(1, path, "deadbeef", catalog.KindOriginal, 1000, 1000)
	mock.ExpectQuery(`INSERT INTO file`).WillReturnRows(fileRows)

	mock.ExpectQuery(`SELECT \* FROM processor_config ORDER BY name`).WillReturnRows(processorConfigRows())
	mock.ExpectQuery(`SELECT \* FROM file_tag WHERE file_id = \$1`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "key", "value"}))
	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}))

	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1 AND processor_name = \$2`).
		WithArgs(int64(1), "transcribe").WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery(`SELECT value FROM setting WHERE key = \$1`).WithArgs(catalog.SettingQueueMode).
		WillReturnError(sql.ErrNoRows)

	parseRows := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusPending, nil, nil, nil, 1000)
	mock.ExpectQuery(`INSERT INTO parse`).WillReturnRows(parseRows)

	rmock.Regexp().ExpectSet(`theapipe:job:.+`, `.+`, 0).SetVal("OK")
	rmock.ExpectTxPipeline()
	rmock.ExpectSAdd("theapipe:processors", "transcribe").SetVal(1)
	rmock.Regexp().ExpectSAdd(`theapipe:jobs:transcribe:queued`, `.+`).SetVal(1)
	rmock.Regexp().ExpectRPush(`theapipe:queue:transcribe`, `.+`).SetVal(1)
	rmock.ExpectTxPipelineExec()

	runUntilSettled(t, c, coordinator.FileAdded{Path: path}, mock, rmock)

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestHandleFileAdded_ParksParseInApprovalMode(t *testing.T) {
	store, mock, brk, rmock, reg := newHarness(t)
	gate := approval.New(store, reg, brk)
	c := coordinator.New(store, reg, brk, gate)

	path := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	mock.ExpectQuery(`SELECT \* FROM processor_config ORDER BY name`).WillReturnRows(processorConfigRows())

	fileRows := sqlmock.NewRows([]string{"id", "path", "content_hash", "kind", "created_at", "updated_at"}).
		AddRow(1, path, "deadbeef", catalog.KindOriginal, 1000, 1000)
	mock.ExpectQuery(`INSERT INTO file`).WillReturnRows(fileRows)

	mock.ExpectQuery(`SELECT \* FROM processor_config ORDER BY name`).WillReturnRows(processorConfigRows())
	mock.ExpectQuery(`SELECT \* FROM file_tag WHERE file_id = \$1`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "key", "value"}))
	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}))

	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1 AND processor_name = \$2`).
		WithArgs(int64(1), "transcribe").WillReturnError(sql.ErrNoRows)

	modeRows := sqlmock.NewRows([]string{"value"}).AddRow(string(catalog.QueueModeApproval))
	mock.ExpectQuery(`SELECT value FROM setting WHERE key = \$1`).WithArgs(catalog.SettingQueueMode).
		WillReturnRows(modeRows)

	parkedRows := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusPendingApproval, nil, nil, nil, 1000)
	mock.ExpectQuery(`INSERT INTO parse`).WillReturnRows(parkedRows)

	// The chain forecast is cached for the approval UI; no broker job is
	// created for a parked parse.
	mock.ExpectExec(`INSERT INTO predicted_job`).
		WithArgs(int64(1), "transcribe", float64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	runUntilSettled(t, c, coordinator.FileAdded{Path: path}, mock, rmock)

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestHandleFileAdded_SkipsAlreadyAttemptedProcessor(t *testing.T) {
	store, mock, brk, rmock, reg := newHarness(t)
	gate := approval.New(store, reg, brk)
	c := coordinator.New(store, reg, brk, gate)

	path := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	mock.ExpectQuery(`SELECT \* FROM processor_config ORDER BY name`).WillReturnRows(processorConfigRows())

	fileRows := sqlmock.NewRows([]string{"id", "path", "content_hash", "kind", "created_at", "updated_at"}).
		AddRow(1, path, "deadbeef", catalog.KindOriginal, 1000, 1000)
	mock.ExpectQuery(`INSERT INTO file`).WillReturnRows(fileRows)

	mock.ExpectQuery(`SELECT \* FROM processor_config ORDER BY name`).WillReturnRows(processorConfigRows())
	mock.ExpectQuery(`SELECT \* FROM file_tag WHERE file_id = \$1`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "key", "value"}))
	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}))

	// transcribe already has a (failed) row against this file - dispatchReady
	// must not admit it a second time on its own.
	existing := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusFailed, nil, "boom", nil, 1000)
	mock.ExpectQuery(`SELECT \* FROM parse WHERE file_id = \$1 AND processor_name = \$2`).
		WithArgs(int64(1), "transcribe").WillReturnRows(existing)

	runUntilSettled(t, c, coordinator.FileAdded{Path: path}, mock, rmock)

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestHandleFileRemoved_NoCatalogedFileOrOutputs_IsNoop(t *testing.T) {
	store, mock, brk, rmock, reg := newHarness(t)
	gate := approval.New(store, reg, brk)
	c := coordinator.New(store, reg, brk, gate)

	path := "/drop/ghost.mp3"

	mock.ExpectQuery(`SELECT \* FROM parse WHERE output_path = \$1`).WithArgs(path).
		WillReturnRows(sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}))
	mock.ExpectQuery(`SELECT \* FROM file WHERE path = \$1`).WithArgs(path).WillReturnError(sql.ErrNoRows)

	runUntilSettled(t, c, coordinator.FileRemoved{Path: path}, mock, rmock)

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestHandleParseFailed_RecordsFailureWithoutDispatching(t *testing.T) {
	store, mock, brk, rmock, reg := newHarness(t)
	gate := approval.New(store, reg, brk)
	c := coordinator.New(store, reg, brk, gate)

	parseRows := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusFailed, nil, "processor timed out", nil, 1000)
	mock.ExpectQuery(`INSERT INTO parse`).WillReturnRows(parseRows)

	runUntilSettled(t, c, coordinator.ParseFailed{FileID: 1, Processor: "transcribe", Reason: "processor timed out"}, mock, rmock)

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}
