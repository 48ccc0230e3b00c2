package resolve_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/resolve"
	"github.com/stretchr/testify/assert"
)

func transcribeConfig() *catalog.ProcessorConfig {
	return &catalog.ProcessorConfig{
		Name:            "transcribe",
		Implementation:  "transcribe",
		InputExtensions: []string{".mp3"},
		OutputExt:       ".transcript.txt",
		IsEnabled:       true,
	}
}

func summarizeConfig() *catalog.ProcessorConfig {
	return &catalog.ProcessorConfig{
		Name:            "summarize",
		Implementation:  "summarize",
		InputExtensions: []string{".transcript.txt"},
		OutputExt:       ".summary.txt",
		DependsOn:       []string{"transcribe"},
		IsEnabled:       true,
		AllowDerivedFiles: true,
	}
}

func TestReady_FiltersByExtension(t *testing.T) {
	configs := []*catalog.ProcessorConfig{transcribeConfig(), summarizeConfig()}

	ready := resolve.Ready(resolve.FileContext{
		Path: "talk.mp3",
		Kind: catalog.KindOriginal,
		Tags: map[string]struct{}{},
	}, map[string]struct{}{}, configs)

	if assert.Len(t, ready, 1) {
		assert.Equal(t, "transcribe", ready[0].Name)
	}
}

func TestReady_RequiresDependenciesCompleted(t *testing.T) {
	configs := []*catalog.ProcessorConfig{transcribeConfig(), summarizeConfig()}

	file := resolve.FileContext{Path: "talk.mp3.transcript.txt", Kind: catalog.KindDerivative, Tags: map[string]struct{}{}}

	// summarize is extension-applicable but transcribe hasn't completed yet.
	ready := resolve.Ready(file, map[string]struct{}{}, configs)
	assert.Empty(t, ready)

	ready = resolve.Ready(file, map[string]struct{}{"transcribe": {}}, configs)
	if assert.Len(t, ready, 1) {
		assert.Equal(t, "summarize", ready[0].Name)
	}
}

func TestReady_DisabledProcessorExcluded(t *testing.T) {
	cfg := transcribeConfig()
	cfg.IsEnabled = false

	ready := resolve.Ready(resolve.FileContext{Path: "talk.mp3", Kind: catalog.KindOriginal, Tags: map[string]struct{}{}},
		map[string]struct{}{}, []*catalog.ProcessorConfig{cfg})

	assert.Empty(t, ready)
}

func TestReady_RequiredTagsMustBePresent(t *testing.T) {
	cfg := transcribeConfig()
	cfg.InputTags = []string{"approved"}

	file := resolve.FileContext{Path: "talk.mp3", Kind: catalog.KindOriginal, Tags: map[string]struct{}{}}
	assert.Empty(t, resolve.Ready(file, map[string]struct{}{}, []*catalog.ProcessorConfig{cfg}))

	file.Tags = map[string]struct{}{"approved": {}}
	assert.Len(t, resolve.Ready(file, map[string]struct{}{}, []*catalog.ProcessorConfig{cfg}), 1)
}

func TestReady_DerivedFilesExcludedUnlessAllowed(t *testing.T) {
	cfg := transcribeConfig()
	cfg.AllowDerivedFiles = false

	file := resolve.FileContext{Path: "talk.mp3", Kind: catalog.KindDerivative, Tags: map[string]struct{}{}}
	assert.Empty(t, resolve.Ready(file, map[string]struct{}{}, []*catalog.ProcessorConfig{cfg}))
}

func TestPredictChain_SimulatesFullPipeline(t *testing.T) {
	configs := []*catalog.ProcessorConfig{transcribeConfig(), summarizeConfig()}

	chain := resolve.PredictChain(resolve.FileContext{
		Path: "talk.mp3",
		Kind: catalog.KindOriginal,
		Tags: map[string]struct{}{},
	}, map[string]struct{}{}, configs)

	names := make([]string, len(chain))
	for i, c := range chain {
		names[i] = c.Name
	}

	// PredictChain's ordering is the part worth a precise structural diff
	// (a plain assert.Equal would only say "not equal", not which position
	// drifted) - cmp.Diff pinpoints the exact index if the fixpoint ever
	// regresses.
	if diff := cmp.Diff([]string{"transcribe", "summarize"}, names); diff != "" {
		t.Errorf("predicted chain order mismatch (-want +got):\n%s", diff)
	}
}

func translateConfig() *catalog.ProcessorConfig {
	return &catalog.ProcessorConfig{
		Name:              "translate",
		Implementation:    "translate",
		InputExtensions:   []string{".summary.txt"},
		OutputExt:         ".translated.txt",
		DependsOn:         []string{"summarize"},
		IsEnabled:         true,
		AllowDerivedFiles: true,
	}
}

// Regression test: a three-step chain must append each stage's output_ext
// on to the path that actually produced it, not always on to the chain's
// original root path.
func TestPredictChain_ChainsOutputPathsAcrossThreeSteps(t *testing.T) {
	configs := []*catalog.ProcessorConfig{transcribeConfig(), summarizeConfig(), translateConfig()}

	chain := resolve.PredictChain(resolve.FileContext{
		Path: "talk.mp3",
		Kind: catalog.KindOriginal,
		Tags: map[string]struct{}{},
	}, map[string]struct{}{}, configs)

	names := make([]string, len(chain))
	for i, c := range chain {
		names[i] = c.Name
	}

	if diff := cmp.Diff([]string{"transcribe", "summarize", "translate"}, names); diff != "" {
		t.Errorf("predicted chain order mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictChain_EmptyWhenNothingApplicable(t *testing.T) {
	chain := resolve.PredictChain(resolve.FileContext{
		Path: "talk.wav",
		Kind: catalog.KindOriginal,
		Tags: map[string]struct{}{},
	}, map[string]struct{}{}, []*catalog.ProcessorConfig{transcribeConfig()})

	assert.Empty(t, chain)
}
