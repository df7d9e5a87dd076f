// Package notify implements an optional wake channel that lets a poller
// skip the remainder of its backoff interval the moment a task is
// enqueued, instead of waiting out a stale backoff window. It is purely an
// optimization: the claim/poll loop remains correct without it.
package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/everruns/durable/workflow/notify/pulse"
)

// Notifier publishes a wake signal whenever a task becomes available for a
// given activity type, and lets interested pollers subscribe to it.
type Notifier struct {
	client pulse.Client
}

// New constructs a Notifier backed by an existing Pulse client. Callers own
// the client's Redis connection lifecycle.
func New(client pulse.Client) *Notifier {
	return &Notifier{client: client}
}

func streamName(activityType string) string { return "durable.wake." + activityType }

// Wake publishes a wake event for activityType, carrying the count of
// tasks just enqueued so a subscriber can size its next claim.
func (n *Notifier) Wake(ctx context.Context, activityType string, count int) error {
	str, err := n.client.Stream(streamName(activityType))
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, "enqueued", []byte(strconv.Itoa(count)))
	return err
}

// Subscribe returns a channel of wake signals for activityType, plus a
// close function to release the underlying Pulse sink. The channel is
// closed when the sink is closed or the stream is destroyed.
func (n *Notifier) Subscribe(ctx context.Context, activityType, consumerGroup string) (<-chan struct{}, func(), error) {
	str, err := n.client.Stream(streamName(activityType))
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, consumerGroup)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for ev := range sink.Subscribe() {
			select {
			case out <- struct{}{}:
			default:
				// A pending wake is already queued; this one is redundant,
				// the poller will see the backlog on its next claim anyway.
			}
			_ = sink.Ack(ctx, ev)
		}
	}()

	closeFn := func() { sink.Close(context.Background()) }
	return out, closeFn, nil
}

// WaitOrTimeout blocks until a wake signal arrives on ch or d elapses,
// returning true if woken early. Intended as a drop-in replacement for
// poller.TaskPoller.Wait's timer branch when a Notifier is configured.
func WaitOrTimeout(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
