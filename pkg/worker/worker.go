// Package worker provides the sleep/wake task loop behind the dispatcher's
// per-processor worker groups. A worker repeatedly invokes a task function;
// when the task reports there is currently no work available it puts itself
// to sleep until woken, rather than busy-polling.
package worker

import "github.com/hbomb79/theapipe/pkg/logger"

var workerLogger = logger.Get("Worker")

type WorkerWakeupChan chan int
type WorkerStatus int

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

// WorkerTaskFn is called repeatedly by the worker for as long as the worker
// is running. The returned bool indicates whether the worker should now
// sleep (true = no work was available, false = keep calling immediately).
// A non-nil error is logged but does not stop the worker.
type WorkerTaskFn func(Worker) (bool, error)

type Worker interface {
	Start()
	Status() WorkerStatus
	Label() string
	WakeupChan() WorkerWakeupChan
	Sleep() bool
	Close()
}

type taskWorker struct {
	label         string
	task          WorkerTaskFn
	wakeupChan    WorkerWakeupChan
	currentStatus WorkerStatus
}

// NewWorker constructs a worker identified by the given label which will
// repeatedly invoke the provided task function until the worker is closed.
func NewWorker(label string, task WorkerTaskFn) *taskWorker {
	return &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(WorkerWakeupChan, 1),
	}
}

// Start runs the worker's task loop. It does not return until the worker's
// wakeup channel is closed (see Close). Intended to be called from a
// goroutine owned by whoever manages the worker's lifetime.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker '%s'\n", worker.label)
	worker.currentStatus = WORKING

	for {
		shouldSleep, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker '%s' task reported an error: %v\n", worker.label, err)
		}

		if shouldSleep {
			if !worker.Sleep() {
				break
			}
		}
	}

	worker.currentStatus = FINISHED
	workerLogger.Emit(logger.STOP, "Worker '%s' has stopped\n", worker.label)
}

func (worker *taskWorker) Status() WorkerStatus       { return worker.currentStatus }
func (worker *taskWorker) Label() string              { return worker.label }
func (worker *taskWorker) WakeupChan() WorkerWakeupChan { return worker.wakeupChan }

// Close closes the worker's wakeup channel, causing the worker to exit the
// next time it attempts to sleep. This does not interrupt work currently in
// progress.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Sleep puts the worker to sleep until its wakeup channel is signalled by
// another goroutine (typically the dispatcher's WakeProcessor). Returns
// false if the wakeup channel was closed, indicating the worker should exit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.currentStatus = SLEEPING

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = WORKING
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%s' closed - worker is exiting\n", worker.label)
		worker.currentStatus = FINISHED
	}

	return isAlive
}
