package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/hbomb79/theapipe/pkg/broker"
	"github.com/hbomb79/theapipe/pkg/logger"
)

// PromptsWatcher observes a prompts directory on the same add/change/remove
// contract as Watcher, but never touches the catalog: it only fans out
// change notifications to subscribers. Prompt edits are advisory -
// deleting or changing a referenced prompt file does not
// invalidate any existing done parse - a subscriber may choose to act on
// the notification (e.g. flag the processor's config as stale in a
// dashboard) but nothing here forces a re-run.
type PromptsWatcher struct {
	inner *Watcher
	bus   *broker.Broker[FileEvent]
}

// NewPromptsWatcher constructs a PromptsWatcher rooted at root and starts
// its fan-out broker, which runs for the watcher's lifetime, so subscribers
// may attach before Run is called.
func NewPromptsWatcher(root string, blacklist []string, debounce time.Duration) (*PromptsWatcher, error) {
	inner, err := New(root, blacklist, debounce)
	if err != nil {
		return nil, fmt.Errorf("creating prompts watcher: %w", err)
	}

	bus := broker.NewBroker[FileEvent]()
	go bus.Start()

	return &PromptsWatcher{inner: inner, bus: bus}, nil
}

// Run starts the prompts watcher's event loop, publishing each event to the
// current subscribers. Blocks until ctx is cancelled.
func (p *PromptsWatcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range p.inner.Events() {
			log.Emit(logger.DEBUG, "prompt %s %s\n", ev.Kind, ev.Path)
			p.bus.Publish(ev)
		}
	}()

	err := p.inner.Run(ctx)
	<-done
	return err
}

// Subscribe returns a channel of prompt change notifications. Callers must
// Unsubscribe when finished to avoid leaking the channel.
func (p *PromptsWatcher) Subscribe() chan FileEvent { return p.bus.Subscribe() }

// Unsubscribe detaches ch from further notifications.
func (p *PromptsWatcher) Unsubscribe(ch chan FileEvent) { p.bus.Unsubscribe(ch) }
