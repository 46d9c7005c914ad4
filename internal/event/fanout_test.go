package event

import (
	"testing"
	"time"
)

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	f := NewFanout(4)
	defer f.Close()

	ch1, cancel1 := f.Subscribe()
	ch2, cancel2 := f.Subscribe()
	defer cancel1()
	defer cancel2()

	f.Publish(Event{Kind: KindJobCreated, JobID: "job-1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Kind != KindJobCreated || e.JobID != "job-1" {
				t.Errorf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestFanoutDropsOldestWhenFull(t *testing.T) {
	f := NewFanout(2)
	defer f.Close()

	ch, cancel := f.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		f.Publish(Event{Kind: KindJobUpdated, JobID: string(rune('a' + i))})
	}

	// Only the newest two survive.
	got := []string{(<-ch).JobID, (<-ch).JobID}
	if got[0] != "d" || got[1] != "e" {
		t.Errorf("buffered events = %v, want [d e]", got)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %+v", e)
	default:
	}
}

func TestFanoutCancelStopsDelivery(t *testing.T) {
	f := NewFanout(4)
	defer f.Close()

	ch, cancel := f.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("cancelled subscriber channel still open")
	}

	// Publishing after cancel must not panic or block.
	f.Publish(Event{Kind: KindJobUpdated, JobID: "job-1"})
}

func TestFanoutCloseStopsSubscribers(t *testing.T) {
	f := NewFanout(4)
	ch, cancel := f.Subscribe()
	f.Close()
	defer cancel()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}

	// Subscribing after close yields a closed channel.
	ch2, cancel2 := f.Subscribe()
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Error("post-close subscriber channel open")
	}
	f.Publish(Event{Kind: KindJobUpdated})
}
