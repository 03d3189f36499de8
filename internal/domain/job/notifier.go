package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired is returned by NewNotifier without a Waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the engine signals that queue may have claimable items.
// A nil return is a wake-up; context.DeadlineExceeded means the window passed
// quietly.
type Waiter interface {
	WaitForItems(ctx context.Context, queue string) error
}

// Notifier fans queue wake-ups out to idle workers.
type Notifier interface {
	Subscribe(queue string) (unsubscribe func(), wake <-chan struct{})
	StopAll()
}

// NotifierOptions configures a Broadcaster.
type NotifierOptions struct {
	Waiter Waiter
	// WaitWindow bounds one WaitForItems call. Defaults to 5s.
	WaitWindow time.Duration
	// ErrorBackoff spaces out retries after a failing wait. Defaults to 250ms.
	ErrorBackoff time.Duration
}

// Broadcaster runs one waiter loop per queue that has subscribers and wakes
// every subscriber of that queue when the engine signals.
type Broadcaster struct {
	waiter       Waiter
	waitWindow   time.Duration
	errorBackoff time.Duration

	mu   sync.Mutex
	hubs map[string]*hub
}

// hub is the per-queue listener and its subscribers. Channels have a buffer
// of one so repeated wake-ups coalesce.
type hub struct {
	subs   map[chan struct{}]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier builds a Broadcaster over opts.Waiter.
func NewNotifier(opts NotifierOptions) (*Broadcaster, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	b := &Broadcaster{
		waiter:       opts.Waiter,
		waitWindow:   opts.WaitWindow,
		errorBackoff: opts.ErrorBackoff,
		hubs:         make(map[string]*hub),
	}
	if b.waitWindow <= 0 {
		b.waitWindow = 5 * time.Second
	}
	if b.errorBackoff <= 0 {
		b.errorBackoff = 250 * time.Millisecond
	}
	return b, nil
}

// Subscribe registers a wake channel for queue, starting the queue's listener
// on first use. The unsubscribe func closes the channel and is idempotent.
func (b *Broadcaster) Subscribe(queue string) (func(), <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hubs[queue]
	if h == nil {
		ctx, cancel := context.WithCancel(context.Background())
		h = &hub{subs: make(map[chan struct{}]struct{}), cancel: cancel, done: make(chan struct{})}
		b.hubs[queue] = h
		go b.listen(ctx, queue, h)
	}

	ch := make(chan struct{}, 1)
	h.subs[ch] = struct{}{}
	return sync.OnceFunc(func() { b.unsubscribe(queue, h, ch) }), ch
}

func (b *Broadcaster) unsubscribe(queue string, h *hub, ch chan struct{}) {
	b.mu.Lock()
	if _, ok := h.subs[ch]; !ok {
		b.mu.Unlock()
		return
	}
	delete(h.subs, ch)
	close(ch)
	last := len(h.subs) == 0 && b.hubs[queue] == h
	if last {
		delete(b.hubs, queue)
		h.cancel()
	}
	b.mu.Unlock()
}

// StopAll cancels every listener, waits for them to exit and closes all
// subscriber channels.
func (b *Broadcaster) StopAll() {
	b.mu.Lock()
	hubs := b.hubs
	b.hubs = make(map[string]*hub)
	for _, h := range hubs {
		h.cancel()
		for ch := range h.subs {
			close(ch)
		}
		h.subs = map[chan struct{}]struct{}{}
	}
	b.mu.Unlock()

	for _, h := range hubs {
		<-h.done
	}
}

func (b *Broadcaster) listen(ctx context.Context, queue string, h *hub) {
	defer close(h.done)
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, b.waitWindow)
		err := b.waiter.WaitForItems(waitCtx, queue)
		cancel()

		switch {
		case err == nil:
			b.wake(h)
		case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
			// Quiet window; workers poll on their own timer.
		default:
			// Workers may be missing items while the waiter fails.
			b.wake(h)
			if !sleepCtx(ctx, b.errorBackoff) {
				return
			}
		}
	}
}

func (b *Broadcaster) wake(h *hub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ Notifier = (*Broadcaster)(nil)
