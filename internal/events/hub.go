// Package events fans bridge lifecycle events out to websocket subscribers
// on /events.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types.
const (
	StreamStarted  = "stream_started"
	StreamStopped  = "stream_stopped"
	SilenceTimeout = "silence_timeout"
	SinkBroken     = "sink_broken"
	SinkRestarted  = "sink_restarted"
	VoiceLost      = "voice_lost"
	VoiceRestored  = "voice_restored"
)

// writeTimeout bounds a single websocket frame write.
const writeTimeout = 5 * time.Second

// Event is one bridge lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// Hub broadcasts events to subscribers. A subscriber whose buffer is full
// when an event arrives is dropped.
//
// Hub is safe for concurrent use. The zero value is not usable; create with
// [NewHub].
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub returns a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer, subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber without blocking. A zero At is
// set to the current time.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
			slog.Warn("events: dropped slow subscriber", "event", ev.Type)
		}
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// cancel is called or the subscriber is dropped for falling behind.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// text frames until the client goes away or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	ch, cancel := h.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				slog.Debug("events: write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
