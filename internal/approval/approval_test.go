package approval_test

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	redismock "github.com/go-redis/redismock/v9"
	"github.com/hbomb79/theapipe/internal/approval"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/config"
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

func TestForecast_CachesEstimateForEachChainStep(t *testing.T) {
	store, mock, brk, _, reg := newHarness(t)
	gate := approval.New(store, reg, brk)

	file := &catalog.File{ID: 1, Path: "/drop/talk.mp3", Kind: catalog.KindOriginal}
	configs := []*catalog.ProcessorConfig{{
		Name: "transcribe", Implementation: "transcribe", InputExtensions: []string{".mp3"},
		OutputExt: ".transcript.txt", IsEnabled: true,
	}}

	mock.ExpectExec(`INSERT INTO predicted_job`).
		WithArgs(int64(1), "transcribe", float64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	chain, total, err := gate.Forecast(file, map[string]struct{}{}, configs)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, float64(0), total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprove_SumsCachedForecastsAndEnqueues(t *testing.T) {
	store, mock, brk, rmock, reg := newHarness(t)
	gate := approval.New(store, reg, brk)

	key := catalog.ParseKey{FileID: 1, Processor: "transcribe"}

	pjRows := sqlmock.NewRows([]string{"file_id", "processor_name", "estimated_cost", "computed_at"}).
		AddRow(1, "transcribe", 0.25, 1000)
	mock.ExpectQuery(`SELECT \* FROM predicted_job WHERE file_id = \$1 AND processor_name = \$2`).
		WithArgs(int64(1), "transcribe").
		WillReturnRows(pjRows)

	mock.ExpectExec(`INSERT INTO approval_batch`).WillReturnResult(sqlmock.NewResult(0, 1))

	approvedRows := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusPending, nil, nil, nil, 1000)
	mock.ExpectQuery(`UPDATE parse`).WillReturnRows(approvedRows)

	fileRows := sqlmock.NewRows([]string{"id", "path", "content_hash", "kind", "created_at", "updated_at"}).
		AddRow(1, "/drop/talk.mp3", "abc", catalog.KindOriginal, 1000, 1000)
	mock.ExpectQuery(`SELECT \* FROM file WHERE id = \$1`).WithArgs(int64(1)).WillReturnRows(fileRows)

	mock.ExpectExec(`DELETE FROM predicted_job`).WithArgs(int64(1), "transcribe").WillReturnResult(sqlmock.NewResult(0, 1))

	rmock.Regexp().ExpectSet(`theapipe:job:.+`, `.+`, 0).SetVal("OK")
	rmock.ExpectTxPipeline()
	rmock.ExpectSAdd("theapipe:processors", "transcribe").SetVal(1)
	rmock.Regexp().ExpectSAdd(`theapipe:jobs:transcribe:queued`, `.+`).SetVal(1)
	rmock.Regexp().ExpectRPush(`theapipe:queue:transcribe`, `.+`).SetVal(1)
	rmock.ExpectTxPipelineExec()

	batch, approved, err := gate.Approve(context.Background(), []catalog.ParseKey{key})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.NotNil(t, batch)
	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestSummarize_SumsForecastAcrossPendingParses(t *testing.T) {
	store, mock, brk, _, reg := newHarness(t)
	gate := approval.New(store, reg, brk)

	pendingRows := sqlmock.NewRows([]string{"file_id", "processor_name", "status", "output_path", "error", "approval_batch_id", "updated_at"}).
		AddRow(1, "transcribe", catalog.StatusPendingApproval, nil, nil, nil, 1000)
	mock.ExpectQuery(`SELECT \* FROM parse WHERE status = \$1`).
		WithArgs(catalog.StatusPendingApproval).
		WillReturnRows(pendingRows)

	pjRows := sqlmock.NewRows([]string{"file_id", "processor_name", "estimated_cost", "computed_at"}).
		AddRow(1, "transcribe", 0.25, 1000)
	mock.ExpectQuery(`SELECT \* FROM predicted_job WHERE file_id = \$1 AND processor_name = \$2`).
		WithArgs(int64(1), "transcribe").
		WillReturnRows(pjRows)

	summary, err := gate.Summarize()
	require.NoError(t, err)
	require.Len(t, summary.Parses, 1)
	require.Equal(t, 0.25, summary.TotalForecast)
	require.NoError(t, mock.ExpectationsWereMet())
}
