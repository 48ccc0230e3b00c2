// Package resolve implements the dependency resolver: pure functions
// over a file's applicability criteria and the set of processors already
// completed for it. Nothing here talks to the catalog, the broker, or disk
// directly - callers supply already-loaded state and get back decisions.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var log = logger.Get("Resolve")

// FileContext is the subset of a catalog.File (plus its tags) the resolver
// needs to evaluate applicability. Callers build this from
// catalog.Store.GetFile + catalog.Store.FileTagKeys.
type FileContext struct {
	Path string
	Kind catalog.Kind
	Tags map[string]struct{}
}

// Ready returns every enabled ProcessorConfig in configs whose
// input-extension and tag filters match file and whose dependencies are all
// present in completed, sorted by processor name. The order does not follow
// the dependency graph: a processor can come before one it depends on.
func Ready(file FileContext, completed map[string]struct{}, configs []*catalog.ProcessorConfig) []*catalog.ProcessorConfig {
	applicable := applicableConfigs(file, configs)

	var trace strings.Builder
	ready := make([]*catalog.ProcessorConfig, 0, len(applicable))
	for _, cfg := range applicable {
		if dependsSatisfied(cfg, completed) {
			ready = append(ready, cfg)
			fmt.Fprintf(&trace, "%s:ready ", cfg.Name)
		} else {
			fmt.Fprintf(&trace, "%s:waiting-on-deps ", cfg.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })
	if trace.Len() > 0 {
		log.Emit(logger.VERBOSE, "resolved %s: %s\n", file.Path, trace.String())
	}

	return ready
}

// PredictChain simulates repeatedly running every newly-ready processor
// starting from file and completed, chaining each one's output_ext on to
// the working path, until no new processor becomes ready (fixpoint). It
// returns every ProcessorConfig encountered, in the order they would become
// ready, for use by the approval gate's cost forecast. Predicted derivative
// files are assumed to carry the same tags as the original - the resolver
// has no way to know what tags a not-yet-produced file will carry, and
// reusing the parent's tags is the least surprising default for a forecast.
func PredictChain(file FileContext, completed map[string]struct{}, configs []*catalog.ProcessorConfig) []*catalog.ProcessorConfig {
	done := make(map[string]struct{}, len(completed))
	for name := range completed {
		done[name] = struct{}{}
	}

	frontier := []FileContext{file}
	var chain []*catalog.ProcessorConfig

	for {
		type readyHit struct {
			cfg        *catalog.ProcessorConfig
			sourcePath string
		}

		newlyReady := make([]readyHit, 0)
		seenThisRound := make(map[string]struct{})

		for _, f := range frontier {
			for _, cfg := range Ready(f, done, configs) {
				if _, already := done[cfg.Name]; already {
					continue
				}
				if _, dup := seenThisRound[cfg.Name]; dup {
					continue
				}
				seenThisRound[cfg.Name] = struct{}{}
				newlyReady = append(newlyReady, readyHit{cfg: cfg, sourcePath: f.Path})
			}
		}

		if len(newlyReady) == 0 {
			return chain
		}

		nextFrontier := make([]FileContext, 0, len(newlyReady))
		for _, hit := range newlyReady {
			done[hit.cfg.Name] = struct{}{}
			chain = append(chain, hit.cfg)
			nextFrontier = append(nextFrontier, FileContext{
				Path: hit.sourcePath + hit.cfg.OutputExt,
				Kind: catalog.KindDerivative,
				Tags: file.Tags,
			})
		}

		frontier = nextFrontier
	}
}

func applicableConfigs(file FileContext, configs []*catalog.ProcessorConfig) []*catalog.ProcessorConfig {
	out := make([]*catalog.ProcessorConfig, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.IsEnabled {
			continue
		}
		if !hasExtension(file.Path, cfg.InputExtensions) {
			continue
		}
		if !tagsSatisfied(cfg.InputTags, file.Tags) {
			continue
		}
		if file.Kind != catalog.KindOriginal && !cfg.AllowDerivedFiles {
			continue
		}

		out = append(out, cfg)
	}

	return out
}

func hasExtension(path string, extensions []string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}

	return false
}

func tagsSatisfied(required []string, have map[string]struct{}) bool {
	for _, tag := range required {
		if _, ok := have[tag]; !ok {
			return false
		}
	}

	return true
}

func dependsSatisfied(cfg *catalog.ProcessorConfig, completed map[string]struct{}) bool {
	for _, dep := range cfg.DependsOn {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}

	return true
}
