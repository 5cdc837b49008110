package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type chanSubscriber struct {
	frames    chan []byte
	fail      bool
	closeOnce sync.Once
	closed    chan struct{}
}

func newChanSubscriber(fail bool) *chanSubscriber {
	return &chanSubscriber{
		frames: make(chan []byte, broadcastBuffer),
		fail:   fail,
		closed: make(chan struct{}),
	}
}

func (s *chanSubscriber) Send(payload []byte) error {
	if s.fail {
		return errors.New("write failed")
	}
	s.frames <- payload
	return nil
}

func (s *chanSubscriber) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func waitFrame(t *testing.T, s *chanSubscriber) string {
	t.Helper()
	select {
	case frame := <-s.frames:
		return string(frame)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestHubRoutesEventsByDomain(t *testing.T) {
	h := NewHub()
	a := newChanSubscriber(false)
	b := newChanSubscriber(false)
	h.Register("a.example", a)
	h.Register("b.example", b)

	h.Broadcast("a.example", []byte("for-a"))
	h.Broadcast("b.example", []byte("for-b"))

	if got := waitFrame(t, a); got != "for-a" {
		t.Fatalf("subscriber a received %q", got)
	}
	if got := waitFrame(t, b); got != "for-b" {
		t.Fatalf("subscriber b received %q", got)
	}
	select {
	case frame := <-a.frames:
		t.Fatalf("subscriber a received another domain's event %q", frame)
	default:
	}
}

func TestHubEvictsFailingSubscriber(t *testing.T) {
	h := NewHub()
	bad := newChanSubscriber(true)
	good := newChanSubscriber(false)
	h.Register("example.com", bad)
	h.Register("example.com", good)

	h.Broadcast("example.com", []byte("one"))
	if got := waitFrame(t, good); got != "one" {
		t.Fatalf("healthy subscriber received %q", got)
	}
	select {
	case <-bad.closed:
	case <-time.After(time.Second):
		t.Fatal("failing subscriber was not closed")
	}

	// Delivery continues for the survivors.
	h.Broadcast("example.com", []byte("two"))
	if got := waitFrame(t, good); got != "two" {
		t.Fatalf("healthy subscriber received %q", got)
	}
}

func TestBroadcastNeverBlocksCaller(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*4; i++ {
			h.Broadcast("nobody.example", []byte("event"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked the caller")
	}
}
