// ABOUTME: Tests for the owner-keyed event broadcaster
// ABOUTME: Covers subscribe, publish, isolation, context cancellation, slow subscribers

package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()

	ch, _ := b.Subscribe(ctx, "owner-1")

	b.Publish("owner-1", Event{Name: EventConnected, InstanceID: "inst-1"})

	select {
	case received := <-ch:
		assert.Equal(t, EventConnected, received.Name)
		assert.Equal(t, "inst-1", received.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "owner-1")
	ch2, _ := b.Subscribe(ctx, "owner-1")
	ch3, _ := b.Subscribe(ctx, "owner-1")

	b.Publish("owner-1", Event{Name: EventNewMessage, InstanceID: "inst-1"})

	for i, ch := range []<-chan Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, EventNewMessage, received.Name, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_OwnersAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "owner-1")
	ch2, _ := b.Subscribe(ctx, "owner-2")

	b.Publish("owner-1", Event{Name: EventConnected, InstanceID: "inst-1"})

	select {
	case received := <-ch1:
		assert.Equal(t, "inst-1", received.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("owner-1 subscriber timed out")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("owner-2 should not receive owner-1's event, got %v", ev)
	case <-time.After(50 * time.Millisecond):
		// Correct: nothing delivered
	}
}

func TestBroadcaster_PublishWithNoSubscribersIsNoop(t *testing.T) {
	b := New(nil)
	defer b.Close()

	b.Publish("nobody", Event{Name: EventError, InstanceID: "inst-1"})
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "owner-1")

	cancel()

	// Channel closes once the cleanup goroutine runs
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should be closed after cancellation")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "owner-1")
	b.Unsubscribe("owner-1", subID)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic
	b.Publish("owner-1", Event{Name: EventConnected, InstanceID: "inst-1"})
}

func TestBroadcaster_SlowSubscriberDropsEventsWithoutBlocking(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "owner-1")

	// Overfill the buffer; Publish must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish("owner-1", Event{Name: EventNewMessage, InstanceID: fmt.Sprintf("inst-%d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	assert.Equal(t, subscriberBufferSize, len(ch), "buffer should hold exactly its capacity")
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	// Publishers racing channel closes must never hit a closed channel
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish("owner-1", Event{Name: EventNewMessage, InstanceID: "inst-1"})
				}
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 500; i++ {
		_, subID := b.Subscribe(ctx, "owner-1")
		b.Unsubscribe("owner-1", subID)
	}

	close(stop)
	wg.Wait()
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func(g int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx, "owner-shared")
			// Drain whatever arrives until cancelled
			go func() {
				for range ch {
				}
			}()
			time.Sleep(10 * time.Millisecond)
		}(g)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish("owner-shared", Event{Name: EventNewMessage, InstanceID: fmt.Sprintf("inst-%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()
}
