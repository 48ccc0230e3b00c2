// Package broker implements the distributed job queue: a Redis-backed,
// per-processor FIFO with reliable-queue claim semantics (BLMove into an
// in-flight list), visibility-timeout reclaim, exponential-backoff retry,
// and a pause flag per processor. The broker is the sole source of truth
// for job liveness; the catalog remains the source of truth for parse
// state, and internal/reconcile keeps the two from drifting apart after a
// restart.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/theapipe/internal/config"
	"github.com/hbomb79/theapipe/pkg/logger"
	"github.com/redis/go-redis/v9"
)

var log = logger.Get("Broker")

// ErrNotFound is returned when an operation names a job_id the broker has
// no record of (already removed, or never enqueued).
var ErrNotFound = errors.New("broker: job not found")

// ErrPaused describes a paused processor. Dequeue does not return it: for a
// paused processor Dequeue returns a nil job and a nil error, the same as
// for an empty queue.
var ErrPaused = errors.New("broker: processor is paused")

// NewClient constructs the redis.Client the Broker is built around. Kept
// separate from New so callers (and tests) can substitute a mocked
// redis.Cmdable without dialing a real server.
func NewClient(cfg config.BrokerConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Broker is the job queue. It is safe for concurrent use - all state lives
// in Redis, not in the struct.
type Broker struct {
	rdb               redis.Cmdable
	visibilityTimeout time.Duration
	maxRetries        int
	retryBackoff      time.Duration
}

// New constructs a Broker around rdb using the visibility timeout, retry
// ceiling and backoff base configured in cfg.
func New(rdb redis.Cmdable, cfg config.BrokerConfig) *Broker {
	return &Broker{
		rdb:               rdb,
		visibilityTimeout: cfg.VisibilityTimeout(),
		maxRetries:        cfg.MaxRetries,
		retryBackoff:      cfg.RetryBackoff(),
	}
}

// Enqueue adds a new job for processor against inputPath and returns its
// ID. fileID is the input's catalog id; estimatedCost is advisory (surfaced
// by list_jobs / the approval UI) and plays no part in scheduling.
func (b *Broker) Enqueue(ctx context.Context, processor, inputPath string, fileID int64, estimatedCost float64) (string, error) {
	now := time.Now()
	job := Job{
		ID:            uuid.NewString(),
		Processor:     processor,
		InputPath:     inputPath,
		FileID:        fileID,
		EstimatedCost: estimatedCost,
		State:         StateQueued,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}

	if err := b.putJob(ctx, &job); err != nil {
		return "", err
	}

	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, processorsKey(), processor)
	pipe.SAdd(ctx, stateSetKey(processor, StateQueued), job.ID)
	pipe.RPush(ctx, queueKey(processor), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing job for %s: %w", processor, err)
	}

	log.Emit(logger.NEW, "enqueued %s job %s for %s\n", processor, job.ID, inputPath)
	return job.ID, nil
}

// Dequeue claims the next queued job for processor, blocking for up to
// blockTimeout if the queue is currently empty. Returns (nil, nil) if no
// job became available within that window - callers should treat this as
// "sleep and try again", matching pkg/worker's WorkerTaskFn contract.
func (b *Broker) Dequeue(ctx context.Context, processor string, blockTimeout time.Duration) (*Job, error) {
	paused, err := b.IsPaused(ctx, processor)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	id, err := b.rdb.BLMove(ctx, queueKey(processor), inflightKey(processor), "LEFT", "RIGHT", blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing from %s: %w", processor, err)
	}

	job, err := b.getJob(ctx, id)
	if err != nil {
		return nil, err
	}

	job.State = StateInFlight
	job.UpdatedAt = time.Now()
	if err := b.putJob(ctx, job); err != nil {
		return nil, err
	}

	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, stateSetKey(processor, StateQueued), id)
	pipe.SAdd(ctx, stateSetKey(processor, StateInFlight), id)
	pipe.ZAdd(ctx, visibilityKey(processor), redis.Z{
		Score:  float64(time.Now().Add(b.visibilityTimeout).Unix()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}

	return job, nil
}

// Ack marks job as successfully completed and releases its claim.
func (b *Broker) Ack(ctx context.Context, job *Job) error {
	if err := b.releaseClaim(ctx, job); err != nil {
		return err
	}

	job.State = StateDone
	job.Error = ""
	job.UpdatedAt = time.Now()
	if err := b.putJob(ctx, job); err != nil {
		return err
	}

	return b.rdb.SAdd(ctx, stateSetKey(job.Processor, StateDone), job.ID).Err()
}

// Fail records that job's run ended in error. If the job has not yet
// exhausted its retry budget it is rescheduled with exponential backoff;
// otherwise it is marked permanently failed (recoverable only via RetryJob).
func (b *Broker) Fail(ctx context.Context, job *Job, reason string) error {
	if err := b.releaseClaim(ctx, job); err != nil {
		return err
	}

	job.Attempts++
	job.Error = reason
	job.UpdatedAt = time.Now()

	if job.Attempts > b.maxRetries {
		job.State = StateFailed
		if err := b.putJob(ctx, job); err != nil {
			return err
		}

		log.Emit(logger.ERROR, "job %s for %s exhausted retries: %s\n", job.ID, job.Processor, reason)
		return b.rdb.SAdd(ctx, stateSetKey(job.Processor, StateFailed), job.ID).Err()
	}

	backoff := b.retryBackoff
	for i := 1; i < job.Attempts; i++ {
		backoff *= 2
	}

	job.State = StateRetryScheduled
	if err := b.putJob(ctx, job); err != nil {
		return err
	}

	log.Emit(logger.WARNING, "job %s for %s failed (attempt %d/%d), retrying in %s: %s\n",
		job.ID, job.Processor, job.Attempts, b.maxRetries, backoff, reason)

	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, stateSetKey(job.Processor, StateRetryScheduled), job.ID)
	pipe.ZAdd(ctx, retryKey(job.Processor), redis.Z{
		Score:  float64(time.Now().Add(backoff).Unix()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// releaseClaim removes job from whatever in-flight bookkeeping Dequeue
// established for it, without changing its recorded State.
func (b *Broker) releaseClaim(ctx context.Context, job *Job) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, inflightKey(job.Processor), 1, job.ID)
	pipe.ZRem(ctx, visibilityKey(job.Processor), job.ID)
	pipe.SRem(ctx, stateSetKey(job.Processor, StateInFlight), job.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("releasing claim on job %s: %w", job.ID, err)
	}

	return nil
}

// RetryJob re-queues a permanently failed job from scratch (attempts reset
// to zero), implementing the broker's public retry_job(id) operation. It is
// a no-op-with-error if the job is not currently in the failed state.
func (b *Broker) RetryJob(ctx context.Context, jobID string) error {
	job, err := b.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("job %s is not in a failed state (currently %s)", jobID, job.State)
	}

	job.Attempts = 0
	job.Error = ""
	job.State = StateQueued
	job.UpdatedAt = time.Now()
	if err := b.putJob(ctx, job); err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, stateSetKey(job.Processor, StateFailed), jobID)
	pipe.SAdd(ctx, stateSetKey(job.Processor, StateQueued), jobID)
	pipe.RPush(ctx, queueKey(job.Processor), jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveJob deletes jobID from the broker entirely, wherever it currently
// sits (queued, in-flight, retry-scheduled, or finished). Removing an
// in-flight job cancels its pending dispatch from the broker's perspective;
// it does not interrupt a run already in progress.
func (b *Broker) RemoveJob(ctx context.Context, jobID string) error {
	job, err := b.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, queueKey(job.Processor), 0, jobID)
	pipe.LRem(ctx, inflightKey(job.Processor), 0, jobID)
	pipe.ZRem(ctx, visibilityKey(job.Processor), jobID)
	pipe.ZRem(ctx, retryKey(job.Processor), jobID)
	for _, state := range AllStates {
		pipe.SRem(ctx, stateSetKey(job.Processor, state), jobID)
	}
	pipe.Del(ctx, jobKey(jobID))
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveJobsForInput removes every not-yet-finished job for processor whose
// InputPath matches inputPath, returning the count removed. A catalogued
// input file disappearing should drop any work still queued or scheduled
// against it, without requiring the caller to know individual job IDs.
func (b *Broker) RemoveJobsForInput(ctx context.Context, processor, inputPath string) (int, error) {
	jobs, err := b.ListJobs(ctx, processor, []JobState{StateQueued, StateRetryScheduled, StateInFlight})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		if job.InputPath != inputPath {
			continue
		}
		if err := b.RemoveJob(ctx, job.ID); err != nil {
			return removed, fmt.Errorf("removing job %s for %s: %w", job.ID, inputPath, err)
		}
		removed++
	}

	return removed, nil
}

// ListJobs returns every job for processor in any of states (all states if
// none given).
func (b *Broker) ListJobs(ctx context.Context, processor string, states []JobState) ([]*Job, error) {
	if len(states) == 0 {
		states = AllStates
	}

	var ids []string
	for _, state := range states {
		members, err := b.rdb.SMembers(ctx, stateSetKey(processor, state)).Result()
		if err != nil {
			return nil, fmt.Errorf("listing %s jobs in state %s: %w", processor, state, err)
		}
		ids = append(ids, members...)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.getJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// ClearFinished deletes every done/failed job recorded for processor.
func (b *Broker) ClearFinished(ctx context.Context, processor string) error {
	for _, state := range []JobState{StateDone, StateFailed} {
		ids, err := b.rdb.SMembers(ctx, stateSetKey(processor, state)).Result()
		if err != nil {
			return fmt.Errorf("listing finished %s jobs: %w", processor, err)
		}

		for _, id := range ids {
			pipe := b.rdb.TxPipeline()
			pipe.SRem(ctx, stateSetKey(processor, state), id)
			pipe.Del(ctx, jobKey(id))
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("clearing finished job %s: %w", id, err)
			}
		}
	}

	return nil
}

// Pause prevents Dequeue from handing out new jobs for processor. In-flight
// jobs already claimed are unaffected.
func (b *Broker) Pause(ctx context.Context, processor string) error {
	return b.rdb.Set(ctx, pausedKey(processor), "1", 0).Err()
}

// Resume reverses Pause.
func (b *Broker) Resume(ctx context.Context, processor string) error {
	return b.rdb.Del(ctx, pausedKey(processor)).Err()
}

// IsPaused reports whether processor is currently paused.
func (b *Broker) IsPaused(ctx context.Context, processor string) (bool, error) {
	n, err := b.rdb.Exists(ctx, pausedKey(processor)).Result()
	if err != nil {
		return false, fmt.Errorf("checking pause state for %s: %w", processor, err)
	}

	return n > 0, nil
}

func (b *Broker) getJob(ctx context.Context, id string) (*Job, error) {
	raw, err := b.rdb.Get(ctx, jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}

	return &job, nil
}

func (b *Broker) putJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}

	if err := b.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("storing job %s: %w", job.ID, err)
	}

	return nil
}
