// Package reconcile implements the startup (and optionally periodic)
// reconciliation sweep: it walks catalog files, catalog parse rows, and
// broker jobs, and corrects the three ways they can diverge after a crash
// - a catalogued file missing on disk, a pending/processing parse with no
// live broker job behind it, and a broker job whose input is no longer
// catalogued. Each divergence gets one corrective action.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var log = logger.Get("Reconcile")

// Reconciler holds the two collaborators it cross-checks. It has no state
// of its own beyond them, so Run is idempotent: re-running it with no
// intervening state change finds nothing left to correct.
type Reconciler struct {
	store  *catalog.Store
	broker *broker.Broker
}

func New(store *catalog.Store, brk *broker.Broker) *Reconciler {
	return &Reconciler{store: store, broker: brk}
}

// Run performs one full sweep: catalog files missing on disk, parse rows
// stuck in pending/processing with no live broker job, and broker jobs
// whose input is no longer catalogued.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Emit(logger.INFO, "reconciliation sweep starting\n")

	if err := r.reapMissingFiles(ctx); err != nil {
		return fmt.Errorf("reconciling missing files: %w", err)
	}
	if err := r.reapOrphanedParses(ctx); err != nil {
		return fmt.Errorf("reconciling orphaned parses: %w", err)
	}
	if err := r.reapOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("reconciling orphaned broker jobs: %w", err)
	}

	log.Emit(logger.SUCCESS, "reconciliation sweep complete\n")
	return nil
}

// RunPeriodic calls Run once immediately, then again every interval until
// ctx is cancelled. interval <= 0 disables the periodic behaviour - callers
// wanting only the startup sweep should call Run directly instead.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if err := r.Run(ctx); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				log.Emit(logger.ERROR, "periodic reconciliation failed: %v\n", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// reapMissingFiles deletes any catalog file row whose path no longer
// exists on disk, cascading its parse rows, and drops any broker jobs that
// named it.
func (r *Reconciler) reapMissingFiles(ctx context.Context) error {
	files, err := r.store.ListFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		if _, err := os.Stat(f.Path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %q: %w", f.Path, err)
		}

		parses, err := r.store.ListParsesForFile(f.ID)
		if err != nil {
			return err
		}

		if err := r.store.DeleteFile(f.Path); err != nil {
			return err
		}

		for _, p := range parses {
			if _, err := r.broker.RemoveJobsForInput(ctx, p.Processor, f.Path); err != nil {
				log.Emit(logger.WARNING, "dropping queued jobs for vanished file %s/%s: %v\n", f.Path, p.Processor, err)
			}
		}

		log.Emit(logger.REMOVE, "catalog file %q missing on disk, removed\n", f.Path)
	}

	return nil
}

// reapOrphanedParses flips every pending/processing parse row with no
// matching live broker job to failed - the broker is authoritative for
// liveness, so a "processing" row with no job behind it is a lie.
func (r *Reconciler) reapOrphanedParses(ctx context.Context) error {
	parses, err := r.store.ListParsesByStatus(catalog.StatusPending, catalog.StatusProcessing)
	if err != nil {
		return err
	}

	jobsByProcessor := make(map[string][]*broker.Job)

	for _, p := range parses {
		jobs, cached := jobsByProcessor[p.Processor]
		if !cached {
			jobs, err = r.broker.ListJobs(ctx, p.Processor, nil)
			if err != nil {
				return fmt.Errorf("listing jobs for %s: %w", p.Processor, err)
			}
			jobsByProcessor[p.Processor] = jobs
		}

		file, err := r.store.GetFileByID(p.FileID)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if hasLiveJob(jobs, file.Path) {
			continue
		}

		reason := "process interrupted during restart"
		if _, err := r.store.UpsertParse(catalog.Parse{
			FileID:    p.FileID,
			Processor: p.Processor,
			Status:    catalog.StatusFailed,
			Error:     &reason,
		}); err != nil {
			return fmt.Errorf("failing orphaned parse (%d,%s): %w", p.FileID, p.Processor, err)
		}

		log.Emit(logger.WARNING, "parse (%d,%s) had no live broker job, marked failed: %s\n", p.FileID, p.Processor, reason)
	}

	return nil
}

func hasLiveJob(jobs []*broker.Job, inputPath string) bool {
	for _, j := range jobs {
		if j.InputPath != inputPath {
			continue
		}
		if j.State == broker.StateDone || j.State == broker.StateFailed {
			continue
		}
		return true
	}

	return false
}

// reapOrphanedJobs drops any broker job whose input path is no longer
// catalogued.
func (r *Reconciler) reapOrphanedJobs(ctx context.Context) error {
	processors, err := r.broker.KnownProcessors(ctx)
	if err != nil {
		return err
	}

	liveStates := []broker.JobState{broker.StateQueued, broker.StateInFlight, broker.StateRetryScheduled}

	for _, proc := range processors {
		jobs, err := r.broker.ListJobs(ctx, proc, liveStates)
		if err != nil {
			return fmt.Errorf("listing live jobs for %s: %w", proc, err)
		}

		for _, job := range jobs {
			_, err := r.store.GetFile(job.InputPath)
			if err == nil {
				continue
			}
			if !errors.Is(err, catalog.ErrNotFound) {
				return err
			}

			if err := r.broker.RemoveJob(ctx, job.ID); err != nil {
				log.Emit(logger.WARNING, "dropping orphaned job %s: %v\n", job.ID, err)
				continue
			}

			log.Emit(logger.REMOVE, "dropped orphaned broker job %s (%s) for uncatalogued input %s\n", job.ID, proc, job.InputPath)
		}
	}

	return nil
}
