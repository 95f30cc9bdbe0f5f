package notify

import (
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, feed <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-feed:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
		return Message{}
	}
}

func TestHubDeliversToChannelSubscribers(t *testing.T) {
	h := NewHub()
	feedA, stopA := h.Subscribe("ch-a")
	defer stopA()
	feedB, stopB := h.Subscribe("ch-b")
	defer stopB()

	h.Notify("ch-a", Message{TaskID: "t1", Status: StatusComplete, Value: "v"})

	msg := recv(t, feedA)
	if msg.TaskID != "t1" || msg.Status != StatusComplete {
		t.Fatalf("got %+v", msg)
	}
	select {
	case msg := <-feedB:
		t.Fatalf("cross-channel delivery: %+v", msg)
	default:
	}
}

func TestHubFansOutToAllSubscribersOfAChannel(t *testing.T) {
	h := NewHub()
	feed1, stop1 := h.Subscribe("ch")
	defer stop1()
	feed2, stop2 := h.Subscribe("ch")
	defer stop2()

	h.Notify("ch", Message{TaskID: "t1", Status: StatusProgress, Progress: 40})
	if m := recv(t, feed1); m.Progress != 40 {
		t.Fatalf("sub1 got %+v", m)
	}
	if m := recv(t, feed2); m.Progress != 40 {
		t.Fatalf("sub2 got %+v", m)
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	feed, stop := h.Subscribe("ch")
	stop()

	h.Notify("ch", Message{TaskID: "t1", Status: StatusComplete})
	select {
	case msg := <-feed:
		t.Fatalf("delivery after unsubscribe: %+v", msg)
	default:
	}
}

func TestHubNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := NewHub()
	feed, stop := h.Subscribe("ch")
	defer stop()

	// Overflow the feed buffer without draining; Notify must return and the
	// newest message must survive.
	total := cap(feed) + 8
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			h.Notify("ch", Message{TaskID: fmt.Sprintf("t%d", i), Status: StatusProgress})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("notify blocked on a slow subscriber")
	}

	var last Message
	for {
		select {
		case last = <-feed:
			continue
		default:
		}
		break
	}
	if last.TaskID != fmt.Sprintf("t%d", total-1) {
		t.Fatalf("newest message lost, last seen %+v", last)
	}
}

func TestNotifyIgnoresBlankChannel(t *testing.T) {
	h := NewHub()
	feed, stop := h.Subscribe("")
	defer stop()

	h.Notify("  ", Message{TaskID: "t1"})
	select {
	case msg := <-feed:
		t.Fatalf("blank channel delivered: %+v", msg)
	default:
	}
}
