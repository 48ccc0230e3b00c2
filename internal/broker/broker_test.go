package broker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*broker.Broker, redismock.ClientMock) {
	t.Helper()

	db, mock := redismock.NewClientMock()
	t.Cleanup(func() { db.Close() })

	cfg := config.BrokerConfig{
		VisibilityTimeoutSeconds: 600,
		MaxRetries:               3,
		RetryBackoffSeconds:      5,
	}
	return broker.New(db, cfg), mock
}

// zaddDeadline matches a single-member ZADD whose key and member equal the
// expectation's and whose score is a Unix deadline about delay from now.
func zaddDeadline(delay time.Duration) func(expected, actual []interface{}) error {
	return func(expected, actual []interface{}) error {
		if len(actual) != 4 || actual[1] != expected[1] || actual[3] != expected[3] {
			return fmt.Errorf("zadd args %v do not match %v", actual, expected)
		}
		score, ok := actual[2].(float64)
		want := float64(time.Now().Add(delay).Unix())
		if !ok || score < want-5 || score > want+5 {
			return fmt.Errorf("zadd score %v is not within 5s of %v", actual[2], want)
		}
		return nil
	}
}

func TestEnqueue_WritesJobAndPushesQueue(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.Regexp().ExpectSet(`theapipe:job:.+`, `.+`, 0).SetVal("OK")
	mock.ExpectTxPipeline()
	mock.ExpectSAdd("theapipe:processors", "transcribe").SetVal(1)
	mock.Regexp().ExpectSAdd(`theapipe:jobs:transcribe:queued`, `.+`).SetVal(1)
	mock.Regexp().ExpectRPush(`theapipe:queue:transcribe`, `.+`).SetVal(1)
	mock.ExpectTxPipelineExec()

	id, err := b.Enqueue(ctx, "transcribe", "/drop/talk.mp3", 1, 1.5)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeue_ReturnsNilWhenPaused(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectExists("theapipe:paused:transcribe").SetVal(1)

	job, err := b.Dequeue(ctx, "transcribe", time.Second)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeue_ReturnsNilOnEmptyQueue(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectExists("theapipe:paused:transcribe").SetVal(0)
	mock.ExpectBLMove("theapipe:queue:transcribe", "theapipe:inflight:transcribe", "LEFT", "RIGHT", time.Second).RedisNil()

	job, err := b.Dequeue(ctx, "transcribe", time.Second)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeue_ClaimsJobAndMarksInFlight(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	raw := `{"id":"job-1","processor":"transcribe","input_path":"/drop/talk.mp3","state":"queued","attempts":0}`

	mock.ExpectExists("theapipe:paused:transcribe").SetVal(0)
	mock.ExpectBLMove("theapipe:queue:transcribe", "theapipe:inflight:transcribe", "LEFT", "RIGHT", time.Second).SetVal("job-1")
	mock.ExpectGet("theapipe:job:job-1").SetVal(raw)
	mock.Regexp().ExpectSet(`theapipe:job:job-1`, `.+`, 0).SetVal("OK")
	mock.ExpectTxPipeline()
	mock.ExpectSRem("theapipe:jobs:transcribe:queued", "job-1").SetVal(1)
	mock.ExpectSAdd("theapipe:jobs:transcribe:inflight", "job-1").SetVal(1)
	mock.CustomMatch(zaddDeadline(600*time.Second)).ExpectZAdd("theapipe:visibility:transcribe", redis.Z{Member: "job-1"}).SetVal(1)
	mock.ExpectTxPipelineExec()

	job, err := b.Dequeue(ctx, "transcribe", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, broker.StateInFlight, job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAck_ReleasesClaimAndMarksDone(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	job := &broker.Job{ID: "job-1", Processor: "transcribe", State: broker.StateInFlight}

	mock.ExpectTxPipeline()
	mock.ExpectLRem("theapipe:inflight:transcribe", int64(1), "job-1").SetVal(1)
	mock.ExpectZRem("theapipe:visibility:transcribe", "job-1").SetVal(1)
	mock.ExpectSRem("theapipe:jobs:transcribe:inflight", "job-1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.Regexp().ExpectSet(`theapipe:job:job-1`, `.+`, 0).SetVal("OK")
	mock.ExpectSAdd("theapipe:jobs:transcribe:done", "job-1").SetVal(1)

	err := b.Ack(ctx, job)
	require.NoError(t, err)
	require.Equal(t, broker.StateDone, job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_SchedulesRetryWithinBudget(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	job := &broker.Job{ID: "job-1", Processor: "transcribe", State: broker.StateInFlight, Attempts: 0}

	mock.ExpectTxPipeline()
	mock.ExpectLRem("theapipe:inflight:transcribe", int64(1), "job-1").SetVal(1)
	mock.ExpectZRem("theapipe:visibility:transcribe", "job-1").SetVal(1)
	mock.ExpectSRem("theapipe:jobs:transcribe:inflight", "job-1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.Regexp().ExpectSet(`theapipe:job:job-1`, `.+`, 0).SetVal("OK")
	mock.ExpectTxPipeline()
	mock.ExpectSAdd("theapipe:jobs:transcribe:retry_scheduled", "job-1").SetVal(1)
	mock.CustomMatch(zaddDeadline(5*time.Second)).ExpectZAdd("theapipe:retry:transcribe", redis.Z{Member: "job-1"}).SetVal(1)
	mock.ExpectTxPipelineExec()

	err := b.Fail(ctx, job, "input file vanished")
	require.NoError(t, err)
	require.Equal(t, broker.StateRetryScheduled, job.State)
	require.Equal(t, 1, job.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_ExhaustsRetryBudget(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	job := &broker.Job{ID: "job-1", Processor: "transcribe", State: broker.StateInFlight, Attempts: 3}

	mock.ExpectTxPipeline()
	mock.ExpectLRem("theapipe:inflight:transcribe", int64(1), "job-1").SetVal(1)
	mock.ExpectZRem("theapipe:visibility:transcribe", "job-1").SetVal(1)
	mock.ExpectSRem("theapipe:jobs:transcribe:inflight", "job-1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.Regexp().ExpectSet(`theapipe:job:job-1`, `.+`, 0).SetVal("OK")
	mock.ExpectSAdd("theapipe:jobs:transcribe:failed", "job-1").SetVal(1)

	err := b.Fail(ctx, job, "still broken")
	require.NoError(t, err)
	require.Equal(t, broker.StateFailed, job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryJob_RejectsNonFailedJob(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	raw := `{"id":"job-1","processor":"transcribe","state":"queued"}`
	mock.ExpectGet("theapipe:job:job-1").SetVal(raw)

	err := b.RetryJob(ctx, "job-1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPauseResumeIsPaused(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectSet("theapipe:paused:transcribe", "1", 0).SetVal("OK")
	require.NoError(t, b.Pause(ctx, "transcribe"))

	mock.ExpectExists("theapipe:paused:transcribe").SetVal(1)
	paused, err := b.IsPaused(ctx, "transcribe")
	require.NoError(t, err)
	require.True(t, paused)

	mock.ExpectDel("theapipe:paused:transcribe").SetVal(1)
	require.NoError(t, b.Resume(ctx, "transcribe"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveJobsForInput_RemovesOnlyMatchingPath(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectSMembers("theapipe:jobs:transcribe:queued").SetVal([]string{"job-1"})
	mock.ExpectSMembers("theapipe:jobs:transcribe:retry_scheduled").SetVal([]string{})
	mock.ExpectSMembers("theapipe:jobs:transcribe:inflight").SetVal([]string{"job-2"})

	mock.ExpectGet("theapipe:job:job-1").SetVal(`{"id":"job-1","processor":"transcribe","input_path":"/drop/talk.mp3","state":"queued"}`)
	mock.ExpectGet("theapipe:job:job-2").SetVal(`{"id":"job-2","processor":"transcribe","input_path":"/drop/other.mp3","state":"inflight"}`)

	mock.ExpectGet("theapipe:job:job-1").SetVal(`{"id":"job-1","processor":"transcribe","input_path":"/drop/talk.mp3","state":"queued"}`)
	mock.ExpectTxPipeline()
	mock.ExpectLRem("theapipe:queue:transcribe", int64(0), "job-1").SetVal(1)
	mock.ExpectLRem("theapipe:inflight:transcribe", int64(0), "job-1").SetVal(0)
	mock.ExpectZRem("theapipe:visibility:transcribe", "job-1").SetVal(0)
	mock.ExpectZRem("theapipe:retry:transcribe", "job-1").SetVal(0)
	for _, state := range broker.AllStates {
		mock.ExpectSRem("theapipe:jobs:transcribe:"+string(state), "job-1").SetVal(1)
	}
	mock.ExpectDel("theapipe:job:job-1").SetVal(1)
	mock.ExpectTxPipelineExec()

	removed, err := b.RemoveJobsForInput(ctx, "transcribe", "/drop/talk.mp3")
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearFinished_DeletesDoneAndFailedJobs(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectSMembers("theapipe:jobs:transcribe:done").SetVal([]string{"job-1"})
	mock.ExpectTxPipeline()
	mock.ExpectSRem("theapipe:jobs:transcribe:done", "job-1").SetVal(1)
	mock.ExpectDel("theapipe:job:job-1").SetVal(1)
	mock.ExpectTxPipelineExec()

	mock.ExpectSMembers("theapipe:jobs:transcribe:failed").SetVal([]string{})

	err := b.ClearFinished(ctx, "transcribe")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpired_RequeuesExpiredClaim(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectSMembers("theapipe:processors").SetVal([]string{"transcribe"})
	mock.Regexp().ExpectZRangeByScore("theapipe:visibility:transcribe", &redis.ZRangeBy{}).SetVal([]string{"job-1"})
	mock.ExpectGet("theapipe:job:job-1").SetVal(`{"id":"job-1","processor":"transcribe","state":"inflight"}`)
	mock.ExpectTxPipeline()
	mock.ExpectLRem("theapipe:inflight:transcribe", int64(1), "job-1").SetVal(1)
	mock.ExpectZRem("theapipe:visibility:transcribe", "job-1").SetVal(1)
	mock.ExpectSRem("theapipe:jobs:transcribe:inflight", "job-1").SetVal(1)
	mock.ExpectTxPipelineExec()
	mock.Regexp().ExpectSet(`theapipe:job:job-1`, `.+`, 0).SetVal("OK")
	mock.ExpectTxPipeline()
	mock.ExpectSAdd("theapipe:jobs:transcribe:queued", "job-1").SetVal(1)
	mock.ExpectLPush("theapipe:queue:transcribe", "job-1").SetVal(1)
	mock.ExpectTxPipelineExec()

	reaped, err := b.ReapExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDueRetries_RequeuesDueJob(t *testing.T) {
	b, mock := newTestBroker(t)
	ctx := context.Background()

	mock.ExpectSMembers("theapipe:processors").SetVal([]string{"transcribe"})
	mock.Regexp().ExpectZRangeByScore("theapipe:retry:transcribe", &redis.ZRangeBy{}).SetVal([]string{"job-1"})
	mock.ExpectGet("theapipe:job:job-1").SetVal(`{"id":"job-1","processor":"transcribe","state":"retry_scheduled"}`)
	mock.Regexp().ExpectSet(`theapipe:job:job-1`, `.+`, 0).SetVal("OK")
	mock.ExpectTxPipeline()
	mock.ExpectZRem("theapipe:retry:transcribe", "job-1").SetVal(1)
	mock.ExpectSRem("theapipe:jobs:transcribe:retry_scheduled", "job-1").SetVal(1)
	mock.ExpectSAdd("theapipe:jobs:transcribe:queued", "job-1").SetVal(1)
	mock.ExpectRPush("theapipe:queue:transcribe", "job-1").SetVal(1)
	mock.ExpectTxPipelineExec()

	requeued, err := b.ProcessDueRetries(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.NoError(t, mock.ExpectationsWereMet())
}
