package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockflow/internal/domain"
	"stockflow/internal/metrics"
)

const clientQueue = 64

type client struct {
	out chan []byte
	// seller restricts the stream to one seller's events when set.
	seller string
}

// Hub fans notifications out to every connected server-sent-events client.
// A client whose queue is full is treated as dead and dropped.
type Hub struct {
	heartbeat time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(heartbeat time.Duration, lg zerolog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		heartbeat: heartbeat,
		log:       lg.With().Str("component", "sse_hub").Logger(),
		now:       time.Now,
		clients:   make(map[*client]struct{}),
	}
}

type controlMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *Hub) control(typ, msg string) []byte {
	b, _ := json.Marshal(controlMessage{Type: typ, Message: msg, Timestamp: h.now().UTC().Format(time.RFC3339Nano)})
	return b
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c, ok := h.register(r.URL.Query().Get("sellerId"))
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(c)

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, flusher, h.control("connection", "Connected to notifications stream")); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if err := writeFrame(w, flusher, msg); err != nil {
				h.log.Debug().Err(err).Msg("sse write failed")
				return
			}
		case <-ticker.C:
			if err := writeFrame(w, flusher, h.control("heartbeat", "")); err != nil {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, f http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

func (h *Hub) register(seller string) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{out: make(chan []byte, clientQueue), seller: seller}
	h.clients[c] = struct{}{}
	metrics.SetSSEConnections(len(h.clients))
	h.log.Info().Int("active", len(h.clients)).Msg("sse client connected")
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
	h.log.Info().Int("active", len(h.clients)).Msg("sse client disconnected")
}

// removeLocked closes the client queue once; only the map owner closes it.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.out)
	metrics.SetSSEConnections(len(h.clients))
}

// Broadcast sends ev to every matching client and returns how many accepted it.
func (h *Hub) Broadcast(ev domain.Event) (int, error) {
	payload, err := h.eventPayload(ev)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		h.log.Debug().Str("type", ev.Type.String()).Msg("no sse clients to broadcast to")
		return 0, nil
	}
	sent := 0
	var dead []*client
	for c := range h.clients {
		if c.seller != "" && c.seller != ev.SellerID {
			continue
		}
		select {
		case c.out <- payload:
			sent++
		default:
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.removeLocked(c)
	}
	if len(dead) > 0 {
		h.log.Warn().Int("dropped", len(dead)).Msg("cleaned up slow sse clients")
	}
	h.log.Debug().Str("type", ev.Type.String()).Int("clients", sent).Msg("event broadcast")
	return sent, nil
}

// Handle is the notification sink.
func (h *Hub) Handle(_ context.Context, ev domain.Event) error {
	_, err := h.Broadcast(ev)
	return err
}

func (h *Hub) eventPayload(ev domain.Event) ([]byte, error) {
	raw, err := domain.Encode(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	ts, _ := json.Marshal(h.now().UTC().Format(time.RFC3339Nano))
	fields["broadcastTimestamp"] = ts
	return json.Marshal(fields)
}

type Stats struct {
	ActiveConnections int       `json:"activeConnections"`
	Timestamp         time.Time `json:"timestamp"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{ActiveConnections: len(h.clients), Timestamp: h.now().UTC()}
}

// Close tells every client the server is going away and ends their streams.
// Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	bye := h.control("shutdown", "Server is shutting down")
	n := len(h.clients)
	for c := range h.clients {
		select {
		case c.out <- bye:
		default:
		}
		h.removeLocked(c)
	}
	h.log.Info().Int("clients", n).Msg("sse hub closed")
}
