package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestHub_PublishSubscribe(t *testing.T) {
	t.Parallel()
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Type: StreamStarted, SessionID: "s1"})

	select {
	case ev := <-ch:
		if ev.Type != StreamStarted || ev.SessionID != "s1" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("At not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	t.Parallel()
	h := NewHub(1)
	slow, cancelSlow := h.Subscribe()
	defer cancelSlow()
	fast, cancelFast := h.Subscribe()
	defer cancelFast()

	h.Publish(Event{Type: StreamStarted})
	<-fast
	h.Publish(Event{Type: StreamStopped})

	if got := h.Subscribers(); got != 1 {
		t.Fatalf("subscribers = %d, want 1 after dropping the slow one", got)
	}
	<-slow // buffered first event
	if _, ok := <-slow; ok {
		t.Fatal("slow subscriber channel not closed")
	}
	if ev := <-fast; ev.Type != StreamStopped {
		t.Fatalf("fast subscriber got %q", ev.Type)
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	t.Parallel()
	h := NewHub(1)
	_, cancel := h.Subscribe()
	cancel()
	cancel()
	if got := h.Subscribers(); got != 0 {
		t.Fatalf("subscribers = %d, want 0", got)
	}
	h.Publish(Event{Type: SinkBroken})
}

func TestHub_ServeHTTP(t *testing.T) {
	t.Parallel()
	h := NewHub(8)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// Wait for the server side to register its subscription.
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(Event{Type: SilenceTimeout, SessionID: "abc", Detail: "30s"})

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != SilenceTimeout || ev.SessionID != "abc" || ev.Detail != "30s" {
		t.Fatalf("event = %+v", ev)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline = time.Now().Add(2 * time.Second)
	for h.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
