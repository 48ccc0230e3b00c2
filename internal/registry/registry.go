// Package registry loads processor definitions at startup and validates
// the dependency graph between them. The registry is static: each
// processor is a record of fields plus a function value, assembled once at
// program start.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var (
	log      = logger.Get("Registry")
	validate = validator.New()
)

// RunFunc is a processor's run function: consumes the path of its input
// file and its own config blob, returns the path of the file it produced.
// Implementations may be long-running, perform network I/O, or spawn
// subprocesses; the registry treats Run as a black box and only observes
// its return value or error. Implementations MUST be idempotent with
// respect to outputPath - rewriting the same path must be safe - and MUST
// honor ctx cancellation on a best-effort basis.
type RunFunc func(ctx context.Context, inputPath string, config map[string]any) (outputPath string, err error)

// EstimateCostFunc forecasts the cost of running a processor against a
// given input, used by the approval gate's batch cost summary. A
// descriptor without one is treated as free (zero cost) for forecasting
// purposes.
type EstimateCostFunc func(inputPath string) (float64, error)

// Descriptor is one processor definition: the applicability filter from
// ProcessorConfig, plus the function values that make it runnable.
type Descriptor struct {
	Name            string   `validate:"required"`
	InputExtensions []string `validate:"required,min=1"`
	OutputExt       string   `validate:"required"`
	DependsOn       []string

	Run          RunFunc `validate:"required"`
	EstimateCost EstimateCostFunc
}

// Registry is the validated, load-time-fixed set of processor descriptors.
// Hot-reload is a non-goal - a new Registry is built (and validated) once,
// at startup.
type Registry struct {
	descriptors map[string]*Descriptor
	order       []string // dependency-topological order, computed at New
}

// New validates and constructs a Registry from the given descriptors.
// Validation rejects: any descriptor missing required fields, any
// depends_on name that doesn't resolve to another descriptor in the set,
// and any cycle in the depends_on graph (found via depth-first coloring -
// a gray re-encounter is a cycle).
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(descriptors))}

	for i := range descriptors {
		d := descriptors[i]
		if err := validate.Struct(d); err != nil {
			return nil, fmt.Errorf("invalid processor descriptor %q: %w", d.Name, err)
		}

		if _, exists := r.descriptors[d.Name]; exists {
			return nil, fmt.Errorf("duplicate processor name %q", d.Name)
		}

		r.descriptors[d.Name] = &d
	}

	for _, d := range r.descriptors {
		for _, dep := range d.DependsOn {
			if _, ok := r.descriptors[dep]; !ok {
				return nil, fmt.Errorf("processor %q depends on unknown processor %q", d.Name, dep)
			}
		}
	}

	order, err := topologicalOrder(r.descriptors)
	if err != nil {
		return nil, err
	}
	r.order = order

	log.Emit(logger.SUCCESS, "Registry validated with %d processor(s): %v\n", len(r.descriptors), order)
	return r, nil
}

// Get returns the descriptor for name, or false if none is registered.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// All returns every descriptor in dependency-topological order (processors
// with no dependencies first).
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descriptors[name])
	}

	return out
}

// color marks a node's depth-first traversal state for cycle detection.
type color int

const (
	white color = iota // unvisited
	gray                // on the current DFS stack
	black               // fully processed
)

// topologicalOrder performs a depth-first three-coloring of the dependency
// graph: a gray re-encounter during traversal is a cycle and is rejected.
func topologicalOrder(descriptors map[string]*Descriptor) ([]string, error) {
	colors := make(map[string]color, len(descriptors))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch colors[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cyclic processor dependency detected: %v -> %s", path, name)
		}

		colors[name] = gray
		for _, dep := range descriptors[name].DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		colors[name] = black
		order = append(order, name)

		return nil
	}

	// Sort names for a deterministic order across runs with the same
	// descriptor set.
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}

	return order, nil
}
