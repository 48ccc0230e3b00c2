// Package broker provides a small generic publish/subscribe fan-out used
// by in-process components that need to notify multiple observers of a
// stream of values (container status changes, job status changes) without
// each observer polling.
package broker

// Broker fans out values published to it to every currently-subscribed
// channel. It must be started (via Start, in its own goroutine) before any
// publish will be delivered. All state is confined to the dispatch loop
// goroutine, so no locking is needed.
type Broker[T any] struct {
	publishCh   chan T
	subscribeCh chan chan T
	unsubCh     chan chan T
	stopCh      chan struct{}

	subs map[chan T]struct{}
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		publishCh:   make(chan T),
		subscribeCh: make(chan chan T),
		unsubCh:     make(chan chan T),
		stopCh:      make(chan struct{}),
		subs:        make(map[chan T]struct{}),
	}
}

// Start runs the broker's dispatch loop. Blocks until Stop is called.
func (b *Broker[T]) Start() {
	for {
		select {
		case <-b.stopCh:
			for ch := range b.subs {
				close(ch)
			}
			return
		case ch := <-b.subscribeCh:
			b.subs[ch] = struct{}{}
		case ch := <-b.unsubCh:
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		case v := <-b.publishCh:
			for ch := range b.subs {
				select {
				case ch <- v:
				default:
					// slow subscriber, drop rather than block the broker
				}
			}
		}
	}
}

func (b *Broker[T]) Stop() { close(b.stopCh) }

func (b *Broker[T]) Publish(v T) { b.publishCh <- v }

func (b *Broker[T]) Subscribe() chan T {
	ch := make(chan T, 16)
	b.subscribeCh <- ch
	return ch
}

func (b *Broker[T]) Unsubscribe(ch chan T) {
	b.unsubCh <- ch
}
