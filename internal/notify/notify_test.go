package notify

import (
	"testing"
	"time"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch1, cancel1 := h.Subscribe()
	defer cancel1()
	ch2, cancel2 := h.Subscribe()
	defer cancel2()

	h.Publish(models.DispatchEvent{Type: models.EventDispatchSent, IdentityID: "id1"})

	for i, ch := range []<-chan models.DispatchEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != models.EventDispatchSent {
				t.Errorf("subscriber %d got wrong event: %+v", i, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe()
	cancel()

	// Channel is closed after cancel.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	h.Publish(models.DispatchEvent{Type: models.EventDispatchFailed})
}

func TestHub_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub()
	defer h.Close()

	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultSubscriberBufferSize*2; i++ {
			h.Publish(models.DispatchEvent{Type: models.EventDispatchSkipped})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := NewHub()
	h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel from a closed hub")
	}
	// Double close is a no-op.
	h.Close()
}
