// Package coordinator wires the catalog, registry, resolver, broker,
// worker dispatch and approval gate together. All cross-subsystem state
// transitions are expressed as five explicit message types routed through
// a single dispatcher goroutine, so compound transitions (write a parse
// row, then compute and enqueue the cascade it unlocks) never interleave.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hbomb79/theapipe/internal/approval"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/registry"
	"github.com/hbomb79/theapipe/internal/resolve"
	"github.com/hbomb79/theapipe/internal/watch"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var log = logger.Get("Coordinator")

// Message is any of the five event types the coordinator's dispatcher
// serializes through its inbox.
type Message interface{ isMessage() }

// FileAdded is emitted when the watcher observes a new path.
type FileAdded struct{ Path string }

// FileChanged is emitted when a catalogued path's bytes have been rewritten.
type FileChanged struct{ Path string }

// FileRemoved is emitted when a previously-seen path disappears - either an
// input file or a processor's output.
type FileRemoved struct{ Path string }

// ParseCompleted is emitted by the worker dispatch loop once a processor's
// Run has returned successfully and its claimed output has been verified
// to exist on disk.
type ParseCompleted struct {
	FileID     int64
	Processor  string
	OutputPath string
}

// ParseFailed is emitted by the worker dispatch loop when a processor run
// errors, times out, is cancelled, or violates its output contract.
type ParseFailed struct {
	FileID    int64
	Processor string
	Reason    string
}

func (FileAdded) isMessage()      {}
func (FileChanged) isMessage()    {}
func (FileRemoved) isMessage()    {}
func (ParseCompleted) isMessage() {}
func (ParseFailed) isMessage()    {}

// Waker lets the coordinator nudge the named processor's sleeping workers
// awake the moment it enqueues a job for them, rather than waiting on a
// worker's own blocking-dequeue timeout to notice new work. Implemented by
// *coordinator.Dispatcher.
type Waker interface {
	WakeProcessor(name string) error
}

// Coordinator owns the single-writer discipline for compound catalog
// transitions: every message is handled to completion, in order, by the
// goroutine running Run, before the next is picked up. A cascade enqueue
// is therefore always causally ordered after the write that unlocked it.
type Coordinator struct {
	store    *catalog.Store
	registry *registry.Registry
	broker   *broker.Broker
	gate     *approval.Gate
	waker    Waker

	inbox chan Message
}

func New(store *catalog.Store, reg *registry.Registry, brk *broker.Broker, gate *approval.Gate) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: reg,
		broker:   brk,
		gate:     gate,
		inbox:    make(chan Message, 256),
	}
}

// SetWaker attaches the dispatcher's wakeup hook once it exists. main.go
// calls this after constructing the dispatcher and before starting it,
// since the two have a circular dependency (the dispatcher reports
// outcomes back to the coordinator; the coordinator wakes the dispatcher's
// workers) that can only be resolved by wiring one after the other exists.
func (c *Coordinator) SetWaker(w Waker) { c.waker = w }

func (c *Coordinator) wakeWorkers(processor string) {
	if c.waker == nil {
		return
	}
	if err := c.waker.WakeProcessor(processor); err != nil {
		log.Emit(logger.DEBUG, "waking %s workers: %v\n", processor, err)
	}
}

// Submit enqueues msg for handling. Safe to call from any goroutine,
// including the watcher's event loop and the worker dispatch loop.
func (c *Coordinator) Submit(msg Message) { c.inbox <- msg }

// Run drains the inbox until ctx is cancelled, handling exactly one message
// at a time.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-c.inbox:
			if err := c.handle(ctx, msg); err != nil {
				log.Emit(logger.ERROR, "handling %T: %v\n", msg, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// WatchEvents bridges a watch.Watcher's raw filesystem events into
// coordinator messages. Blocks until events is closed or ctx is cancelled.
func (c *Coordinator) WatchEvents(ctx context.Context, events <-chan watch.FileEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Submit(toMessage(ev))
		case <-ctx.Done():
			return
		}
	}
}

func toMessage(ev watch.FileEvent) Message {
	switch ev.Kind {
	case watch.Added:
		return FileAdded{Path: ev.Path}
	case watch.Changed:
		return FileChanged{Path: ev.Path}
	default:
		return FileRemoved{Path: ev.Path}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case FileAdded:
		return c.handleFileAdded(ctx, m.Path)
	case FileChanged:
		return c.handleFileChanged(ctx, m.Path)
	case FileRemoved:
		return c.handleFileRemoved(ctx, m.Path)
	case ParseCompleted:
		return c.handleParseCompleted(ctx, m)
	case ParseFailed:
		return c.handleParseFailed(m)
	default:
		return fmt.Errorf("unknown message type %T", msg)
	}
}

func (c *Coordinator) handleFileAdded(ctx context.Context, path string) error {
	configs, err := c.store.ListProcessorConfigs()
	if err != nil {
		return err
	}

	kind := catalog.KindOriginal
	if isDerivativeOutput(path, configs) {
		kind = catalog.KindDerivative
	}

	hash, err := catalog.HashFile(path)
	if err != nil {
		return fmt.Errorf("hashing %q: %w", path, err)
	}

	file, err := c.store.UpsertFile(path, kind, hash)
	if err != nil {
		return err
	}

	log.Emit(logger.NEW, "catalogued %s file %q\n", kind, path)
	return c.dispatchReady(ctx, file)
}

// handleFileChanged re-hashes path. Identical bytes leave every parse row
// untouched; different bytes reset every parse row for the file back to
// pending, since a changed input
// invalidates every processor's prior result against it, not just whichever
// one happens to be newly ready.
func (c *Coordinator) handleFileChanged(ctx context.Context, path string) error {
	existing, err := c.store.GetFile(path)
	if errors.Is(err, catalog.ErrNotFound) {
		return c.handleFileAdded(ctx, path)
	}
	if err != nil {
		return err
	}

	hash, err := catalog.HashFile(path)
	if err != nil {
		return fmt.Errorf("hashing %q: %w", path, err)
	}

	if hash == existing.ContentHash {
		return nil
	}

	file, err := c.store.UpsertFile(path, existing.Kind, hash)
	if err != nil {
		return err
	}

	if _, err := c.store.ResetParsesForFile(file.ID); err != nil {
		return err
	}

	log.Emit(logger.NEW, "%q changed content, parses reset\n", path)
	return c.dispatchReady(ctx, file)
}

// handleFileRemoved covers both meanings of an unlink: deletion recovery
// (path was a processor's output) and ordinary catalog cleanup (path was
// itself a catalogued file). A path can be both.
func (c *Coordinator) handleFileRemoved(ctx context.Context, path string) error {
	producingParses, err := c.store.ListParsesByOutputPath(path)
	if err != nil {
		return err
	}

	if len(producingParses) > 0 {
		reset, err := c.store.ResetParsesByOutputPath(path)
		if err != nil {
			return err
		}

		for _, p := range reset {
			if err := c.enqueueParse(ctx, p); err != nil {
				log.Emit(logger.ERROR, "deletion recovery: re-enqueueing %s against file %d: %v\n", p.Processor, p.FileID, err)
			}
		}

		log.Emit(logger.NEW, "deletion recovery: %q removed, %d parse(s) reset and re-queued\n", path, len(reset))
	}

	file, err := c.store.GetFile(path)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	parses, err := c.store.ListParsesForFile(file.ID)
	if err != nil {
		return err
	}

	if err := c.store.DeleteFile(path); err != nil {
		return err
	}

	for _, p := range parses {
		if _, err := c.broker.RemoveJobsForInput(ctx, p.Processor, path); err != nil {
			log.Emit(logger.WARNING, "removing queued jobs for removed file %s/%s: %v\n", path, p.Processor, err)
		}
	}

	return nil
}

func (c *Coordinator) handleParseCompleted(ctx context.Context, m ParseCompleted) error {
	outputPath := m.OutputPath
	if _, err := c.store.UpsertParse(catalog.Parse{
		FileID:     m.FileID,
		Processor:  m.Processor,
		Status:     catalog.StatusDone,
		OutputPath: &outputPath,
	}); err != nil {
		return err
	}

	// Directly upsert the derivative rather than relying solely on the
	// watcher's own add event; the watcher will still see this path and
	// no-op against an unchanged hash if it wins the race instead.
	if hash, hashErr := catalog.HashFile(outputPath); hashErr == nil {
		if _, err := c.store.UpsertFile(outputPath, catalog.KindDerivative, hash); err != nil {
			log.Emit(logger.WARNING, "direct upsert of derivative %q failed: %v\n", outputPath, err)
		}
	} else {
		log.Emit(logger.WARNING, "could not hash completed output %q: %v\n", outputPath, hashErr)
	}

	file, err := c.store.GetFileByID(m.FileID)
	if err != nil {
		return err
	}

	log.Emit(logger.SUCCESS, "%s/%s done -> %q\n", file.Path, m.Processor, outputPath)
	return c.dispatchReady(ctx, file)
}

func (c *Coordinator) handleParseFailed(m ParseFailed) error {
	reason := m.Reason
	_, err := c.store.UpsertParse(catalog.Parse{
		FileID:    m.FileID,
		Processor: m.Processor,
		Status:    catalog.StatusFailed,
		Error:     &reason,
	})
	if err != nil {
		return err
	}

	log.Emit(logger.WARNING, "parse (%d,%s) failed: %s\n", m.FileID, m.Processor, reason)
	return nil
}

// dispatchReady computes the newly-ready processor set for file and admits
// each one that does not already have a parse row (done, failed, pending,
// processing, or pending_approval all mean the processor already has a
// history against this file and should not be re-admitted by a cascade -
// only an explicit reset, retry, or deletion recovery creates a second
// attempt).
func (c *Coordinator) dispatchReady(ctx context.Context, file *catalog.File) error {
	configs, err := c.store.ListProcessorConfigs()
	if err != nil {
		return err
	}

	tags, err := c.store.FileTagKeys(file.ID)
	if err != nil {
		return err
	}

	completed, err := c.completedSet(file.ID)
	if err != nil {
		return err
	}

	fc := resolve.FileContext{Path: file.Path, Kind: file.Kind, Tags: tags}
	toAdmit := make([]*catalog.ProcessorConfig, 0)
	for _, cfg := range resolve.Ready(fc, completed, configs) {
		_, err := c.store.GetParse(file.ID, cfg.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		toAdmit = append(toAdmit, cfg)
	}

	if len(toAdmit) == 0 {
		return nil
	}

	mode, err := c.store.GetQueueMode()
	if err != nil {
		return err
	}

	for _, cfg := range toAdmit {
		if err := c.admit(ctx, file, cfg, mode); err != nil {
			return fmt.Errorf("admitting %s for %q: %w", cfg.Name, file.Path, err)
		}
	}

	// In approval mode the operator decides off a forecast of the whole
	// chain, not just the step that is ready right now - cache it in one
	// pass so /pending-approval and /cost-summary answer without
	// recomputing the fixpoint.
	if mode == catalog.QueueModeApproval {
		if _, _, err := c.gate.Forecast(file, completed, configs); err != nil {
			log.Emit(logger.WARNING, "caching chain forecast for %q: %v\n", file.Path, err)
		}
	}

	return nil
}

// admit writes the first parse row for (file, cfg) and either enqueues it
// (auto mode) or parks it pending_approval (approval mode).
func (c *Coordinator) admit(ctx context.Context, file *catalog.File, cfg *catalog.ProcessorConfig, mode catalog.QueueMode) error {
	if mode == catalog.QueueModeApproval {
		_, err := c.store.UpsertParse(catalog.Parse{
			FileID:    file.ID,
			Processor: cfg.Name,
			Status:    catalog.StatusPendingApproval,
		})
		return err
	}

	if _, err := c.store.UpsertParse(catalog.Parse{
		FileID:    file.ID,
		Processor: cfg.Name,
		Status:    catalog.StatusPending,
	}); err != nil {
		return err
	}

	if _, err := c.broker.Enqueue(ctx, cfg.Name, file.Path, file.ID, c.estimateCost(cfg, file.Path)); err != nil {
		return err
	}
	c.wakeWorkers(cfg.Name)
	return nil
}

// enqueueParse re-admits an already-existing parse row (deletion recovery
// only - the row already exists, so admit's "create the first row" path
// does not apply).
func (c *Coordinator) enqueueParse(ctx context.Context, p *catalog.Parse) error {
	file, err := c.store.GetFileByID(p.FileID)
	if err != nil {
		return err
	}

	cfg, err := c.store.GetProcessorConfig(p.Processor)
	if err != nil {
		return err
	}

	mode, err := c.store.GetQueueMode()
	if err != nil {
		return err
	}

	cost := c.estimateCost(cfg, file.Path)

	if mode == catalog.QueueModeApproval {
		if _, err := c.store.UpsertParse(catalog.Parse{
			FileID:    file.ID,
			Processor: cfg.Name,
			Status:    catalog.StatusPendingApproval,
		}); err != nil {
			return err
		}

		return c.store.UpsertPredictedJob(file.ID, cfg.Name, cost)
	}

	if _, err := c.broker.Enqueue(ctx, cfg.Name, file.Path, file.ID, cost); err != nil {
		return err
	}
	c.wakeWorkers(cfg.Name)
	return nil
}

func (c *Coordinator) estimateCost(cfg *catalog.ProcessorConfig, path string) float64 {
	desc, ok := c.registry.Get(cfg.Implementation)
	if !ok || desc.EstimateCost == nil {
		return 0
	}

	cost, err := desc.EstimateCost(path)
	if err != nil {
		log.Emit(logger.WARNING, "cost estimate for %s against %q failed: %v\n", cfg.Name, path, err)
		return 0
	}

	return cost
}

func (c *Coordinator) completedSet(fileID int64) (map[string]struct{}, error) {
	parses, err := c.store.ListParsesForFile(fileID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{}, len(parses))
	for _, p := range parses {
		if p.Status == catalog.StatusDone {
			out[p.Processor] = struct{}{}
		}
	}

	return out, nil
}

func isDerivativeOutput(path string, configs []*catalog.ProcessorConfig) bool {
	for _, cfg := range configs {
		if cfg.OutputExt != "" && strings.HasSuffix(path, cfg.OutputExt) {
			return true
		}
	}

	return false
}
