package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hbomb79/theapipe/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// zRangeUpTo builds a ZRangeByScore filter matching every member scored at
// or before now, used to find due visibility-timeout and retry entries.
func zRangeUpTo(now float64) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64)}
}

// KnownProcessors returns every processor name that has ever had a job
// enqueued against it, used by ReapExpired/ProcessDueRetries to know which
// per-processor queues to sweep without requiring the caller to know the
// registry up front.
func (b *Broker) KnownProcessors(ctx context.Context) ([]string, error) {
	processors, err := b.rdb.SMembers(ctx, processorsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing known processors: %w", err)
	}

	return processors, nil
}

// ReapExpired reclaims any in-flight job whose visibility timeout has
// elapsed (the worker holding it is presumed dead) and returns it directly
// to the front of its processor's queue. Unlike Fail, this does not count
// against the job's retry budget - a worker crash is not evidence the job
// itself is bad, and reconciliation (not retry exhaustion) is what should
// eventually give up on a parse row stuck in processing.
func (b *Broker) ReapExpired(ctx context.Context) (int, error) {
	processors, err := b.KnownProcessors(ctx)
	if err != nil {
		return 0, err
	}

	now := float64(time.Now().Unix())
	reaped := 0

	for _, processor := range processors {
		ids, err := b.rdb.ZRangeByScore(ctx, visibilityKey(processor), zRangeUpTo(now)).Result()
		if err != nil {
			return reaped, fmt.Errorf("scanning expired claims for %s: %w", processor, err)
		}

		for _, id := range ids {
			if err := b.reclaimExpired(ctx, processor, id); err != nil {
				return reaped, err
			}
			reaped++
		}
	}

	return reaped, nil
}

func (b *Broker) reclaimExpired(ctx context.Context, processor, id string) error {
	job, err := b.getJob(ctx, id)
	if err != nil {
		return err
	}

	if err := b.releaseClaim(ctx, job); err != nil {
		return err
	}

	job.State = StateQueued
	job.UpdatedAt = time.Now()
	if err := b.putJob(ctx, job); err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, stateSetKey(processor, StateQueued), id)
	pipe.LPush(ctx, queueKey(processor), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing expired job %s: %w", id, err)
	}

	log.Emit(logger.WARNING, "reclaimed job %s for %s after its visibility timeout expired\n", id, processor)
	return nil
}

// RunSweeper periodically reclaims expired in-flight claims and requeues
// matured retries until ctx is cancelled. This is the loop that makes the
// visibility-timeout and backoff schedules actually fire; without it a
// crashed worker's claim would sit in the in-flight list forever.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := b.ReapExpired(ctx); err != nil {
				log.Emit(logger.ERROR, "sweeping expired claims: %v\n", err)
			} else if n > 0 {
				log.Emit(logger.INFO, "reclaimed %d expired claim(s)\n", n)
			}

			if n, err := b.ProcessDueRetries(ctx); err != nil {
				log.Emit(logger.ERROR, "sweeping due retries: %v\n", err)
			} else if n > 0 {
				log.Emit(logger.INFO, "requeued %d matured retry(ies)\n", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ProcessDueRetries moves every job whose backoff delay has elapsed from
// its processor's retry schedule back onto the live queue.
func (b *Broker) ProcessDueRetries(ctx context.Context) (int, error) {
	processors, err := b.KnownProcessors(ctx)
	if err != nil {
		return 0, err
	}

	now := float64(time.Now().Unix())
	requeued := 0

	for _, processor := range processors {
		ids, err := b.rdb.ZRangeByScore(ctx, retryKey(processor), zRangeUpTo(now)).Result()
		if err != nil {
			return requeued, fmt.Errorf("scanning due retries for %s: %w", processor, err)
		}

		for _, id := range ids {
			if err := b.requeueDueRetry(ctx, processor, id); err != nil {
				return requeued, err
			}
			requeued++
		}
	}

	return requeued, nil
}

func (b *Broker) requeueDueRetry(ctx context.Context, processor, id string) error {
	job, err := b.getJob(ctx, id)
	if err != nil {
		return err
	}

	job.State = StateQueued
	job.UpdatedAt = time.Now()
	if err := b.putJob(ctx, job); err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, retryKey(processor), id)
	pipe.SRem(ctx, stateSetKey(processor, StateRetryScheduled), id)
	pipe.SAdd(ctx, stateSetKey(processor, StateQueued), id)
	pipe.RPush(ctx, queueKey(processor), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing due retry %s: %w", id, err)
	}

	log.Emit(logger.DEBUG, "retry backoff elapsed for job %s (%s), requeued\n", id, processor)
	return nil
}
