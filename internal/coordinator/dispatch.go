package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/registry"
	"github.com/hbomb79/theapipe/pkg/logger"
	"github.com/hbomb79/theapipe/pkg/worker"
)

var dispatchLog = logger.Get("Dispatch")

// Dispatcher runs the dequeue loops that feed processor work to workers.
// Each processor gets its own group of workers, sized by the configured
// concurrency, so a backed-up queue for one processor never starves the
// others' workers, and an enqueue can wake exactly the group that has new
// work instead of every sleeper in the process.
type Dispatcher struct {
	store    *catalog.Store
	registry *registry.Registry
	broker   *broker.Broker
	coord    *Coordinator

	blockTimeout time.Duration
	jobTimeout   time.Duration
	concurrency  int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // job id -> cancel, for external Cancel calls
	groups  map[string][]worker.Worker    // processor name -> its worker group
	started bool
	wg      sync.WaitGroup
}

func NewDispatcher(store *catalog.Store, reg *registry.Registry, brk *broker.Broker, coord *Coordinator, concurrency int, jobTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:        store,
		registry:     reg,
		broker:       brk,
		coord:        coord,
		blockTimeout: 5 * time.Second,
		jobTimeout:   jobTimeout,
		concurrency:  concurrency,
		cancels:      make(map[string]context.CancelFunc),
		groups:       make(map[string][]worker.Worker),
	}
}

// Start builds one worker group per ProcessorConfig currently on record,
// binding each group to the config's registry.Descriptor, and launches
// every worker. A config naming an unregistered implementation is skipped
// with a warning rather than failing startup - the operator may be
// mid-rollout of a new processor binary.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher is already started")
	}

	configs, err := d.store.ListProcessorConfigs()
	if err != nil {
		return fmt.Errorf("loading processor configs: %w", err)
	}

	for _, cfg := range configs {
		if _, ok := d.groups[cfg.Name]; ok {
			continue
		}

		desc, ok := d.registry.Get(cfg.Implementation)
		if !ok {
			dispatchLog.Emit(logger.WARNING, "processor config %q names unregistered implementation %q, skipping\n", cfg.Name, cfg.Implementation)
			continue
		}

		group := make([]worker.Worker, 0, d.concurrency)
		for i := 0; i < d.concurrency; i++ {
			group = append(group, worker.NewWorker(fmt.Sprintf("%s-%d", cfg.Name, i), d.task(ctx, cfg.Name, desc)))
		}
		d.groups[cfg.Name] = group

		for _, w := range group {
			d.wg.Add(1)
			go func(w worker.Worker) {
				defer d.wg.Done()
				w.Start()
			}(w)
		}
	}

	d.started = true
	dispatchLog.Emit(logger.SUCCESS, "dispatching for %d processor(s), %d worker(s) each\n", len(d.groups), d.concurrency)
	return nil
}

// Stop closes every worker's wakeup channel and waits for in-flight runs
// to finish. Runs already past their dequeue are not interrupted; use
// Cancel for that.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	for _, group := range d.groups {
		for _, w := range group {
			w.Close()
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// WakeProcessor nudges any sleeping worker in the named processor's group,
// satisfying the coordinator.Waker and approval.Waker interfaces. A no-op
// before Start or for a processor with no group (its queue drains when the
// dispatcher is next restarted with the new config on record).
func (d *Dispatcher) WakeProcessor(processor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	group, ok := d.groups[processor]
	if !ok {
		dispatchLog.Emit(logger.DEBUG, "no worker group for processor %q\n", processor)
		return nil
	}

	for _, w := range group {
		if w.Status() == worker.SLEEPING {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// task returns the WorkerTaskFn bound to a single processor name and its
// resolved descriptor. The worker sleeps (true) whenever the queue comes up
// empty, so WakeProcessor (called after every enqueue for this processor)
// is what keeps latency low without busy-polling.
func (d *Dispatcher) task(ctx context.Context, processor string, desc *registry.Descriptor) worker.WorkerTaskFn {
	return func(w worker.Worker) (bool, error) {
		job, err := d.broker.Dequeue(ctx, processor, d.blockTimeout)
		if err != nil {
			return true, fmt.Errorf("dequeue %s: %w", processor, err)
		}
		if job == nil {
			return true, nil
		}

		d.run(ctx, job, desc)
		return false, nil
	}
}

// run executes a single claimed job against its descriptor, applying the
// configured per-job timeout and registering a cancellation token so an
// operator can abort a specific in-flight job through the control API.
func (d *Dispatcher) run(ctx context.Context, job *broker.Job, desc *registry.Descriptor) {
	runCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	d.mu.Lock()
	d.cancels[job.ID] = cancel
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, job.ID)
		d.mu.Unlock()
	}()

	if _, err := os.Stat(job.InputPath); err != nil {
		// The input vanished between enqueue and claim. Not retryable -
		// deletion recovery already reset and re-queued it if it matters,
		// so acking here just clears this stale attempt.
		if ackErr := d.broker.Ack(ctx, job); ackErr != nil {
			dispatchLog.Emit(logger.ERROR, "acking job for vanished input %s: %v\n", job.InputPath, ackErr)
		}
		d.coord.Submit(ParseFailed{FileID: job.FileID, Processor: job.Processor, Reason: "input removed"})
		return
	}

	cfg, err := d.store.GetProcessorConfig(job.Processor)
	if err != nil {
		d.fail(ctx, job, fmt.Sprintf("loading processor config: %v", err))
		return
	}

	if _, err := d.store.UpsertParse(catalog.Parse{
		FileID:    job.FileID,
		Processor: job.Processor,
		Status:    catalog.StatusProcessing,
	}); err != nil {
		d.fail(ctx, job, fmt.Sprintf("marking processing: %v", err))
		return
	}

	runConfig := map[string]any{}
	if v := cfg.Config.Get(); v != nil {
		runConfig = *v
	}

	outputPath, runErr := desc.Run(runCtx, job.InputPath, runConfig)
	if runErr != nil {
		reason := fmt.Sprintf("%v", runErr)
		if runCtx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("processor exceeded %s timeout", d.jobTimeout)
		} else if runCtx.Err() == context.Canceled {
			reason = "processor run cancelled"
		}
		d.fail(ctx, job, reason)
		return
	}

	if _, err := os.Stat(outputPath); err != nil {
		// A processor returning success without producing its claimed
		// output is a contract violation, not a transient failure -
		// retrying against the same input won't fix a broken
		// implementation, so this is Acked rather than Failed.
		if ackErr := d.broker.Ack(ctx, job); ackErr != nil {
			dispatchLog.Emit(logger.ERROR, "acking job after output-contract violation: %v\n", ackErr)
		}
		d.coord.Submit(ParseFailed{FileID: job.FileID, Processor: job.Processor, Reason: fmt.Sprintf("processor reported output %q but it does not exist", outputPath)})
		return
	}

	if err := d.broker.Ack(ctx, job); err != nil {
		dispatchLog.Emit(logger.ERROR, "acking completed job %s: %v\n", job.ID, err)
	}

	d.coord.Submit(ParseCompleted{FileID: job.FileID, Processor: job.Processor, OutputPath: outputPath})
}

func (d *Dispatcher) fail(ctx context.Context, job *broker.Job, reason string) {
	if err := d.broker.Fail(ctx, job, reason); err != nil {
		dispatchLog.Emit(logger.ERROR, "failing job %s: %v\n", job.ID, err)
	}

	d.coord.Submit(ParseFailed{FileID: job.FileID, Processor: job.Processor, Reason: reason})
}

// Cancel aborts the in-flight job with the given id, if one is currently
// running under this dispatcher. Returns false if no such job is tracked
// (already finished, or never dispatched here).
func (d *Dispatcher) Cancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cancel, ok := d.cancels[jobID]
	if !ok {
		return false
	}

	cancel()
	return true
}
