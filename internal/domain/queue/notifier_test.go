package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWaiter struct {
	calls chan string
	err   error
	block bool
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, topic string) error {
	select {
	case s.calls <- topic:
	default:
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe("process-job")
	defer unsub()

	select {
	case topic := <-waiter.calls:
		assert.Equal(t, "process-job", topic)
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_NotifyWakesLocalSubscribers(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 1), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe("process-job")
	defer unsub()

	notifier.Notify("process-job")
	notifier.Notify("other-topic")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected Notify to wake subscriber")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 1), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe("process-job")
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 4), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: 10 * time.Millisecond})
	require.NoError(t, err)

	_, chA := notifier.Subscribe("a")
	_, chB := notifier.Subscribe("b")

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chA, chB} {
		select {
		case _, ok := <-ch:
			for ok {
				_, ok = <-ch
			}
		case <-time.After(time.Second):
			t.Fatal("expected channel to close after StopAll")
		}
	}
}
