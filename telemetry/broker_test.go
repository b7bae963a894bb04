package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestBrokerPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	want := NewEvent(KindOverrun, "loop/temp", nil)
	b.Publish(want)

	select {
	case got := <-ch:
		if got.ID != want.ID || got.Kind != KindOverrun || got.Source != "loop/temp" {
			t.Errorf("received %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(NewEvent(KindOverrun, "loop/temp", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if got := len(ch); got != subscriberBufferSize {
		t.Errorf("buffered events = %d, want %d (rest dropped)", got, subscriberBufferSize)
	}
}

func TestBrokerUnsubscribeAndClose(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe()
	ch2, _ := b.Subscribe()

	unsub1()
	if _, open := <-ch1; open {
		t.Error("unsubscribed channel still open")
	}

	b.Publish(NewEvent(KindEmergencyStop, "system", errors.New("estop")))
	if got := len(ch2); got != 1 {
		t.Errorf("remaining subscriber got %d events, want 1", got)
	}

	b.Close()
	// Drain the buffered event, then expect closed.
	<-ch2
	if _, open := <-ch2; open {
		t.Error("subscriber channel open after Close")
	}

	// Late subscribers see a closed channel.
	ch3, _ := b.Subscribe()
	if _, open := <-ch3; open {
		t.Error("post-Close Subscribe returned an open channel")
	}
}

func TestEventIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ev := NewEvent(KindOverrun, "loop", nil)
		if seen[ev.ID] {
			t.Fatalf("duplicate event ID %s", ev.ID)
		}
		seen[ev.ID] = true
	}
}
