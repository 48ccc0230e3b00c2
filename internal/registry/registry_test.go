package registry_test

import (
	"context"
	"testing"

	"github.com/hbomb79/theapipe/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopRun(_ context.Context, inputPath string, _ map[string]any) (string, error) {
	return inputPath + ".out", nil
}

func TestNew_ValidGraph(t *testing.T) {
	r, err := registry.New(
		registry.Descriptor{Name: "transcribe", InputExtensions: []string{".mp3"}, OutputExt: ".transcript.txt", Run: noopRun},
		registry.Descriptor{Name: "summarize", InputExtensions: []string{".transcript.txt"}, OutputExt: ".summary.txt", DependsOn: []string{"transcribe"}, Run: noopRun},
	)
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "transcribe", all[0].Name, "transcribe has no deps so must precede summarize")
	assert.Equal(t, "summarize", all[1].Name)

	d, ok := r.Get("transcribe")
	require.True(t, ok)
	assert.Equal(t, []string{".mp3"}, d.InputExtensions)
}

func TestNew_RejectsCycle(t *testing.T) {
	_, err := registry.New(
		registry.Descriptor{Name: "a", InputExtensions: []string{".x"}, OutputExt: ".y", DependsOn: []string{"b"}, Run: noopRun},
		registry.Descriptor{Name: "b", InputExtensions: []string{".y"}, OutputExt: ".x", DependsOn: []string{"a"}, Run: noopRun},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestNew_RejectsUnknownDependency(t *testing.T) {
	_, err := registry.New(
		registry.Descriptor{Name: "a", InputExtensions: []string{".x"}, OutputExt: ".y", DependsOn: []string{"missing"}, Run: noopRun},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown processor")
}

func TestNew_RejectsMissingRequiredFields(t *testing.T) {
	_, err := registry.New(registry.Descriptor{Name: "a"})
	require.Error(t, err)
}

func TestNew_RejectsDuplicateName(t *testing.T) {
	_, err := registry.New(
		registry.Descriptor{Name: "a", InputExtensions: []string{".x"}, OutputExt: ".y", Run: noopRun},
		registry.Descriptor{Name: "a", InputExtensions: []string{".z"}, OutputExt: ".w", Run: noopRun},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestGet_UnknownProcessor(t *testing.T) {
	r, err := registry.New(registry.Descriptor{Name: "a", InputExtensions: []string{".x"}, OutputExt: ".y", Run: noopRun})
	require.NoError(t, err)

	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}
