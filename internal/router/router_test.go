package router

import (
	"testing"

	"github.com/codefionn/collabchat/internal/protocol"
)

func frame(frameType string) *protocol.Frame {
	f := protocol.NewFrame(frameType)
	return &f
}

func TestPublishDispatchesToSubscribers(t *testing.T) {
	r := New()

	var gotA, gotB int
	r.Subscribe("server_chat", func(f *protocol.Frame) { gotA++ })
	r.Subscribe("server_chat", func(f *protocol.Frame) { gotB++ })
	r.Subscribe("pong", func(f *protocol.Frame) { t.Error("pong handler should not fire") })

	r.Publish(frame("server_chat"))

	if gotA != 1 || gotB != 1 {
		t.Errorf("Expected both handlers invoked once, got %d and %d", gotA, gotB)
	}
}

func TestSubscribeIsIdempotentPerHandler(t *testing.T) {
	r := New()

	count := 0
	handler := func(f *protocol.Frame) { count++ }

	r.Subscribe("chat", handler)
	r.Subscribe("chat", handler)

	if n := r.HandlerCount("chat"); n != 1 {
		t.Fatalf("Expected 1 registered handler after double subscribe, got %d", n)
	}

	r.Publish(frame("chat"))
	if count != 1 {
		t.Errorf("Expected a single invocation, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New()

	count := 0
	unsub := r.Subscribe("chat", func(f *protocol.Frame) { count++ })
	unsub()
	unsub() // second call is harmless

	r.Publish(frame("chat"))
	if count != 0 {
		t.Errorf("Expected zero invocations after unsubscribe, got %d", count)
	}
	if n := r.HandlerCount("chat"); n != 0 {
		t.Errorf("Expected no registered handlers, got %d", n)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	r := New()

	survived := 0
	r.Subscribe("chat", func(f *protocol.Frame) { panic("broken consumer") })
	r.Subscribe("chat", func(f *protocol.Frame) { survived++ })

	r.Publish(frame("chat"))

	if survived != 1 {
		t.Errorf("Expected surviving handler to run despite panic, got %d invocations", survived)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	r := New()
	r.Publish(frame("unknown_type"))
}

func TestReset(t *testing.T) {
	r := New()
	r.Subscribe("chat", func(f *protocol.Frame) { t.Error("handler survived reset") })
	r.Reset()
	r.Publish(frame("chat"))
}
