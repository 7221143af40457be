// Package stream fans events out to browser clients over Server-Sent Events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	MaxConcurrentConnections = 256
	ClientChannelBuffer      = 64
	KeepAliveInterval        = 30 * time.Second
	HubBroadcastBuffer       = 512
)

// Event types sent by the server.
const (
	TypeState    = "state"
	TypeNotice   = "notice"
	TypeJobs     = "jobs"
	TypeDownload = "download"
)

type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Notice is a modal message the UI shows with a single OK button.
type Notice struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Stats are hub counters.
type Stats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalMessages       int64 `json:"total_messages"`
	DroppedBroadcasts   int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs   int64 `json:"dropped_client_msgs"`
	RejectedConnections int64 `json:"rejected_connections"`
}

type client struct {
	ch        chan Message
	addr      string
	connected time.Time
}

// Hub owns the connected clients. Broadcast never blocks the caller; a full
// hub or client queue drops the message for that recipient.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Message]*client
	// sticky holds the last message per type replayed to new clients.
	sticky map[string]Message

	broadcast chan Message
	shutdown  chan struct{}
	closeOnce sync.Once

	active            atomic.Int64
	totalMessages     atomic.Int64
	droppedBroadcasts atomic.Int64
	droppedClientMsgs atomic.Int64
	rejected          atomic.Int64
}

// NewHub starts a hub. Messages of the sticky types are replayed to clients
// when they connect.
func NewHub(stickyTypes ...string) *Hub {
	h := &Hub{
		clients:   make(map[chan Message]*client),
		sticky:    make(map[string]Message),
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
	}
	for _, t := range stickyTypes {
		h.sticky[t] = Message{}
	}
	go h.run()
	return h
}

var defaultHub = NewHub(TypeState)

// Default is the process-wide hub used by the package level helpers.
func Default() *Hub { return defaultHub }

func Broadcast(msg Message)           { defaultHub.Broadcast(msg) }
func Publish(typ string, v any) error { return defaultHub.Publish(typ, v) }
func Notify(n Notice)                 { defaultHub.Notify(n) }
func Handler(w http.ResponseWriter, r *http.Request) {
	defaultHub.ServeHTTP(w, r)
}

// Broadcast enqueues msg for every client.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.droppedBroadcasts.Add(1)
	}
}

// Publish marshals v as the message body.
func (h *Hub) Publish(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	h.Broadcast(Message{Type: typ, Msg: string(data)})
	return nil
}

// Notify sends a notice and logs it.
func (h *Hub) Notify(n Notice) {
	log.Printf("notice: %s: %s", n.Title, n.Message)
	if err := h.Publish(TypeNotice, n); err != nil {
		log.Printf("stream: %v", err)
	}
}

func (h *Hub) run() {
	for {
		select {
		case msg := <-h.broadcast:
			h.mu.Lock()
			if _, ok := h.sticky[msg.Type]; ok {
				h.sticky[msg.Type] = msg
			}
			for ch := range h.clients {
				select {
				case ch <- msg:
					h.totalMessages.Add(1)
				default:
					h.droppedClientMsgs.Add(1)
				}
			}
			h.mu.Unlock()
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) addClient(ch chan Message, addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active.Load() >= MaxConcurrentConnections {
		h.rejected.Add(1)
		log.Printf("Connection limit reached (%d), rejecting client from %s", MaxConcurrentConnections, addr)
		return false
	}
	h.clients[ch] = &client{ch: ch, addr: addr, connected: time.Now()}
	h.active.Add(1)
	for _, msg := range h.sticky {
		if msg.Type != "" {
			ch <- msg
		}
	}
	return true
}

func (h *Hub) removeClient(ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; !ok {
		return
	}
	delete(h.clients, ch)
	h.active.Add(-1)
}

func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   h.active.Load(),
		TotalMessages:       h.totalMessages.Load(),
		DroppedBroadcasts:   h.droppedBroadcasts.Load(),
		DroppedClientMsgs:   h.droppedClientMsgs.Load(),
		RejectedConnections: h.rejected.Load(),
	}
}

// Close stops fan-out. Connected handlers return at their next write.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		log.Println("Stream hub shutdown complete")
	})
}

// ServeHTTP streams events to one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan Message, ClientChannelBuffer)
	if !h.addClient(ch, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.removeClient(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	if _, err := io.WriteString(w, formatSSE(Message{Type: "connected", Msg: `{"msg":"SSE connection established"}`})); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.shutdown:
			return
		case msg := <-ch:
			if _, err := io.WriteString(w, formatSSE(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSE(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
