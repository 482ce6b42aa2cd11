package eventbus

import (
	"sync"
	"testing"

	"pkt.systems/codedock/schema"
)

func TestBroadcastReachesAllProjectSubscribers(t *testing.T) {
	bus := New(nil)
	ch1, cancel1 := bus.Subscribe("p1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("p1")
	defer cancel2()
	other, cancelOther := bus.Subscribe("p2")
	defer cancelOther()

	bus.Broadcast("p1", schema.RunEvent{Kind: schema.RunStarted, ProjectID: "p1"})

	for i, ch := range []<-chan schema.RunEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != schema.RunStarted {
				t.Fatalf("subscriber %d got %v", i, ev.Kind)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("other project received %v", ev)
	default:
	}
}

func TestBroadcastWithoutSubscribersIsNoop(t *testing.T) {
	bus := New(nil)
	bus.Broadcast("p1", schema.RunEvent{Kind: schema.RunStarted})
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("p1")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	// Broadcasting after unsubscribe must not panic on the closed channel.
	bus.Broadcast("p1", schema.RunEvent{Kind: schema.RunStarted})
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	bus := New(nil)
	_, cancel := bus.Subscribe("p1")
	cancel()
	cancel()
}

func TestUnsubscribeDuringBroadcastDoesNotPanic(t *testing.T) {
	bus := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		_, cancel := bus.Subscribe("p1")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Broadcast("p1", schema.RunEvent{Kind: schema.RunOutput, Output: "line"})
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("p1")
	defer cancel()

	for i := 0; i < 300; i++ {
		bus.Broadcast("p1", schema.RunEvent{Kind: schema.RunOutput, Output: "line"})
	}
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != 256 {
		t.Fatalf("expected buffer-depth events delivered, got %d", received)
	}
}
