package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func receive(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("did not receive message")
	}
	return Message{}
}

// TestAddRemoveClient tests client registration and removal
func TestAddRemoveClient(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch := make(chan Message, ClientChannelBuffer)
	if !h.addClient(ch, "127.0.0.1:12345") {
		t.Fatal("addClient() should succeed")
	}
	if got := h.Stats().ActiveConnections; got != 1 {
		t.Errorf("ActiveConnections = %d; want 1", got)
	}
	h.removeClient(ch)
	h.removeClient(ch)
	if got := h.Stats().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections after remove = %d; want 0", got)
	}
}

// TestBroadcastMultipleClients checks fan-out
func TestBroadcastMultipleClients(t *testing.T) {
	h := NewHub()
	defer h.Close()

	clients := make([]chan Message, 3)
	for i := range clients {
		clients[i] = make(chan Message, ClientChannelBuffer)
		h.addClient(clients[i], "test")
	}
	h.Broadcast(Message{Type: "multi", Msg: "to all"})

	for i, ch := range clients {
		if msg := receive(t, ch); msg.Type != "multi" {
			t.Errorf("client %d received type %q; want multi", i, msg.Type)
		}
	}
}

// TestStickyReplay verifies new clients get the last state message
func TestStickyReplay(t *testing.T) {
	h := NewHub(TypeState)
	defer h.Close()

	first := make(chan Message, ClientChannelBuffer)
	h.addClient(first, "a")
	if err := h.Publish(TypeState, map[string]string{"mode": "edit"}); err != nil {
		t.Fatal(err)
	}
	receive(t, first)

	late := make(chan Message, ClientChannelBuffer)
	h.addClient(late, "b")
	msg := receive(t, late)
	if msg.Type != TypeState || !strings.Contains(msg.Msg, `"edit"`) {
		t.Errorf("replayed %+v; want the last state", msg)
	}
}

// TestNotify checks the notice payload
func TestNotify(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ch := make(chan Message, ClientChannelBuffer)
	h.addClient(ch, "a")

	h.Notify(Notice{Title: "Image Saved", Message: "Image has been saved to Your library"})
	msg := receive(t, ch)
	if msg.Type != TypeNotice {
		t.Fatalf("Type = %q; want %q", msg.Type, TypeNotice)
	}
	var n Notice
	if err := json.Unmarshal([]byte(msg.Msg), &n); err != nil {
		t.Fatal(err)
	}
	if n.Title != "Image Saved" {
		t.Errorf("Title = %q; want %q", n.Title, "Image Saved")
	}
}

// TestSlowClientDropsMessages verifies a full client queue never blocks fan-out
func TestSlowClientDropsMessages(t *testing.T) {
	h := NewHub()
	defer h.Close()
	slow := make(chan Message, 1)
	h.addClient(slow, "slow")

	for i := 0; i < 5; i++ {
		h.Broadcast(Message{Type: "flood", Msg: "x"})
	}
	deadline := time.Now().Add(time.Second)
	for h.Stats().DroppedClientMsgs == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Stats().DroppedClientMsgs == 0 {
		t.Error("expected dropped client messages")
	}
}

// TestFormatSSE tests SSE framing
func TestFormatSSE(t *testing.T) {
	tests := []struct {
		msg      Message
		expected string
	}{
		{Message{Type: "update", Msg: "test"}, "event: update\ndata: test\n\n"},
		{Message{Type: "notice", Msg: `{"title":"x"}`}, "event: notice\ndata: {\"title\":\"x\"}\n\n"},
	}
	for _, tt := range tests {
		if got := formatSSE(tt.msg); got != tt.expected {
			t.Errorf("formatSSE(%+v) = %q; want %q", tt.msg, got, tt.expected)
		}
	}
}

// TestServeHTTP reads the handshake and one event over a real connection
func TestServeHTTP(t *testing.T) {
	h := NewHub()
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q; want text/event-stream", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, _ := r.ReadString('\n')
	if line != "event: connected\n" {
		t.Fatalf("first line = %q", line)
	}
	r.ReadString('\n')
	r.ReadString('\n')

	h.Broadcast(Message{Type: "jobs", Msg: "{}"})
	line, _ = r.ReadString('\n')
	if line != "event: jobs\n" {
		t.Errorf("event line = %q; want jobs", line)
	}
}
