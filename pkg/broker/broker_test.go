package broker

import (
	"testing"
	"time"
)

func recv(t *testing.T, c chan int) (int, bool) {
	t.Helper()
	select {
	case v, ok := <-c:
		return v, ok
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return 0, false
	}
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	b := New[int](4)
	go b.Start()
	defer b.Stop()

	a := b.Subscribe()
	c := b.Subscribe()
	b.Broadcast(7)

	if v, _ := recv(t, a); v != 7 {
		t.Errorf("a got %d", v)
	}
	if v, _ := recv(t, c); v != 7 {
		t.Errorf("c got %d", v)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New[int](1)
	go b.Start()
	defer b.Stop()

	a := b.Subscribe()
	b.Unsubscribe(a)
	if _, ok := recv(t, a); ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// unsubscribing twice is harmless
	b.Unsubscribe(a)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New[int](1)
	go b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Broadcast(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full subscriber")
	}
	_ = slow
}

func TestStopClosesSubscribers(t *testing.T) {
	b := New[int](1)
	go b.Start()

	a := b.Subscribe()
	b.Stop()
	b.Stop()
	<-b.Done()

	if _, ok := recv(t, a); ok {
		t.Error("subscriber channel should be closed on stop")
	}
	if c := b.Subscribe(); c != nil {
		t.Error("Subscribe after Stop should return nil")
	}
	b.Broadcast(1)
	b.Unsubscribe(a)
}
