package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptsWatcher_FansOutChangeToSubscribers(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "transcribe.prompt.txt"), []byte("v1"), 0o644))

	p, err := NewPromptsWatcher(root, nil, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := p.Subscribe()
	defer p.Unsubscribe(sub)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case ev := <-sub:
		assert.Equal(t, Added, ev.Kind)
		assert.Contains(t, ev.Path, "transcribe.prompt.txt")
	case <-time.After(time.Second):
		t.Fatal("expected an Added notification for the pre-existing prompt file")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
