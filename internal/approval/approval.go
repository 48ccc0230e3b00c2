// Package approval implements the approval gate: when the catalog's
// queue_mode setting is "approval", newly-ready parses are parked as
// pending_approval instead of being enqueued immediately. Forecast cost is
// computed by simulating the chain of processors a file will pass through
// before the first one has run.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/registry"
	"github.com/hbomb79/theapipe/internal/resolve"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var log = logger.Get("Approval")

// Waker lets the gate nudge the named processor's sleeping workers the
// moment an approved parse is enqueued, the same hook
// internal/coordinator.Coordinator uses after its own direct enqueues.
type Waker interface {
	WakeProcessor(name string) error
}

// Gate wires the catalog's approval_batch/parse tables to the registry's
// cost estimators and the broker, implementing the park/forecast/approve
// cycle.
type Gate struct {
	store    *catalog.Store
	registry *registry.Registry
	broker   *broker.Broker
	waker    Waker
}

func New(store *catalog.Store, reg *registry.Registry, brk *broker.Broker) *Gate {
	return &Gate{store: store, registry: reg, broker: brk}
}

// SetWaker attaches the dispatcher's wakeup hook once it exists.
func (g *Gate) SetWaker(w Waker) { g.waker = w }

func (g *Gate) wakeWorkers(processor string) {
	if g.waker == nil {
		return
	}
	if err := g.waker.WakeProcessor(processor); err != nil {
		log.Emit(logger.DEBUG, "waking %s workers: %v\n", processor, err)
	}
}

// Forecast runs resolve.PredictChain starting from file/completed and
// records a predicted_job row (cost cached for later batch assembly) for
// every processor the chain would eventually touch. Every step's cost is
// estimated against file's own path - the resolver has no way to know the
// real path a not-yet-produced derivative would have beyond appending
// OutputExt, and re-downloading/re-deriving it just to estimate cost would
// defeat the purpose of a forecast.
func (g *Gate) Forecast(file *catalog.File, completed map[string]struct{}, configs []*catalog.ProcessorConfig) ([]*catalog.ProcessorConfig, float64, error) {
	fc := resolve.FileContext{Path: file.Path, Kind: file.Kind}
	chain := resolve.PredictChain(fc, completed, configs)

	var total float64
	for _, cfg := range chain {
		cost := g.estimateCost(cfg, file.Path)
		total += cost

		if err := g.store.UpsertPredictedJob(file.ID, cfg.Name, cost); err != nil {
			return nil, 0, fmt.Errorf("caching forecast for %s/%s: %w", file.Path, cfg.Name, err)
		}
	}

	return chain, total, nil
}

func (g *Gate) estimateCost(cfg *catalog.ProcessorConfig, path string) float64 {
	desc, ok := g.registry.Get(cfg.Implementation)
	if !ok || desc.EstimateCost == nil {
		return 0
	}

	cost, err := desc.EstimateCost(path)
	if err != nil {
		log.Emit(logger.WARNING, "cost estimate for %s against %s failed: %v\n", cfg.Name, path, err)
		return 0
	}

	return cost
}

// Approve flips the named pending_approval rows to pending, attaches them
// to a freshly-created ApprovalBatch (its estimated cost is the sum of the
// cached forecasts for the rows actually approved), and enqueues each onto
// the broker. Keys that are not currently pending_approval are silently
// skipped by the underlying catalog call - the caller sees only what was
// actually approved.
func (g *Gate) Approve(ctx context.Context, keys []catalog.ParseKey) (*catalog.ApprovalBatch, []*catalog.Parse, error) {
	var total float64
	costs := make(map[catalog.ParseKey]float64, len(keys))
	for _, k := range keys {
		pj, err := g.store.GetPredictedJob(k.FileID, k.Processor)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, nil, fmt.Errorf("loading forecast for (%d,%s): %w", k.FileID, k.Processor, err)
		}
		if pj != nil {
			costs[k] = pj.EstimatedCost
			total += pj.EstimatedCost
		}
	}

	batch, err := g.store.CreateApprovalBatch(total)
	if err != nil {
		return nil, nil, fmt.Errorf("creating approval batch: %w", err)
	}

	approved, err := g.store.ApproveParses(batch.ID, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("approving parses for batch %s: %w", batch.ID, err)
	}

	for _, p := range approved {
		if err := g.enqueueApproved(ctx, p, costs[catalog.ParseKey{FileID: p.FileID, Processor: p.Processor}]); err != nil {
			log.Emit(logger.ERROR, "enqueueing approved parse (%d,%s): %v\n", p.FileID, p.Processor, err)
		}
	}

	log.Emit(logger.SUCCESS, "approval batch %s: %d parse(s) approved, forecast cost %.4f\n", batch.ID, len(approved), total)
	return batch, approved, nil
}

func (g *Gate) enqueueApproved(ctx context.Context, p *catalog.Parse, cost float64) error {
	file, err := g.store.GetFileByID(p.FileID)
	if err != nil {
		return fmt.Errorf("loading file %d: %w", p.FileID, err)
	}

	if _, err := g.broker.Enqueue(ctx, p.Processor, file.Path, file.ID, cost); err != nil {
		return fmt.Errorf("enqueueing %s against %s: %w", p.Processor, file.Path, err)
	}
	g.wakeWorkers(p.Processor)

	return g.store.DeletePredictedJob(p.FileID, p.Processor)
}

// PendingBatchSummary lists every currently pending_approval parse as one
// flat slice (not grouped by file) with the total of their forecasts, for
// the control API's /pending-approval endpoint.
type PendingBatchSummary struct {
	Parses        []*catalog.Parse
	TotalForecast float64
}

// Summarize returns every parked parse along with the sum of their cached
// forecasts.
func (g *Gate) Summarize() (*PendingBatchSummary, error) {
	parses, err := g.store.ListPendingApproval()
	if err != nil {
		return nil, err
	}

	var total float64
	for _, p := range parses {
		pj, err := g.store.GetPredictedJob(p.FileID, p.Processor)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
		if pj != nil {
			total += pj.EstimatedCost
		}
	}

	return &PendingBatchSummary{Parses: parses, TotalForecast: total}, nil
}

// ParseUUID parses a batch id string, such as a path parameter, into a
// uuid.UUID. No package in this module calls it.
func ParseUUID(s string) (uuid.UUID, error) { return uuid.Parse(s) }
