package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the backing transport signals activity on a topic
// (Postgres LISTEN, Redis pub/sub) or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, topic string) error
}

// Notifier fans topic wake-ups out to subscribed consumers.
type Notifier interface {
	Subscribe(topic string) (func(), <-chan struct{})
	Notify(topic string)
	StopAll()
}

// NotifierOptions configure the default notifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one waiter loop per subscribed topic and broadcasts
// each wake-up to every subscriber of that topic without blocking.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu     sync.Mutex
	topics map[string]*topicSubs
}

type topicSubs struct {
	cancel context.CancelFunc
	chans  map[chan struct{}]struct{}
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	if opts.WaitWindow <= 0 {
		opts.WaitWindow = time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		topics:     make(map[string]*topicSubs),
	}, nil
}

// Subscribe registers for wake-ups on topic. The returned channel is buffered
// by one, so bursts collapse into a single signal. Calling the returned
// function unsubscribes and closes the channel.
func (n *DefaultNotifier) Subscribe(topic string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.topics[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		subs = &topicSubs{cancel: cancel, chans: make(map[chan struct{}]struct{})}
		n.topics[topic] = subs
		go n.listenLoop(ctx, topic)
	}

	ch := make(chan struct{}, 1)
	subs.chans[ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() { n.unsubscribe(topic, ch) })
	}
	return unsub, ch
}

// Notify wakes local subscribers of topic immediately.
func (n *DefaultNotifier) Notify(topic string) {
	n.broadcast(topic)
}

// StopAll stops every listener loop and closes all subscriber channels.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for topic, subs := range n.topics {
		subs.cancel()
		for ch := range subs.chans {
			drainAndClose(ch)
		}
		delete(n.topics, topic)
	}
}

func (n *DefaultNotifier) unsubscribe(topic string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs.chans[ch]; !ok {
		return
	}
	delete(subs.chans, ch)
	drainAndClose(ch)
	if len(subs.chans) == 0 {
		subs.cancel()
		delete(n.topics, topic)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, topic string) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, topic)
		cancel()

		// Wake consumers even on timeout so they re-poll for retried messages.
		n.broadcast(topic)

		if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.backoff):
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.topics[topic]
	if !ok {
		return
	}
	for ch := range subs.chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered signal before closing so receivers
// observe the close immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
