package sqlite

import (
	"context"
	"sync"
)

// changeFeed fans out "something changed" signals to live queries after a
// write commits. It carries no row data; subscribers re-read from the database.
type changeFeed struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subs: make(map[chan struct{}]struct{})}
}

func (f *changeFeed) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	return ch
}

func (f *changeFeed) unsubscribe(ch chan struct{}) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

func (f *changeFeed) publish() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending; the subscriber will re-read everything
		}
	}
}

// watch runs query once immediately and again after every published change,
// delivering results on the returned channel until ctx is done.
func watch[T any](ctx context.Context, feed *changeFeed, query func(ctx context.Context) (T, error)) (<-chan T, error) {
	// subscribe first so a change committed during the initial query is not lost
	signal := feed.subscribe()

	first, err := query(ctx)
	if err != nil {
		feed.unsubscribe(signal)

		return nil, err
	}

	out := make(chan T, 1)
	out <- first

	go func() {
		defer close(out)
		defer feed.unsubscribe(signal)

		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				result, err := query(ctx)
				if err != nil {
					// transient read failures are retried on the next signal
					continue
				}

				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
