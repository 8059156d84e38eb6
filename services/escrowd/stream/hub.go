package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"jobescrow/core/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// Message is the JSON frame delivered to websocket subscribers.
type Message struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Time       time.Time         `json:"time"`
}

// Filter selects which messages a subscriber receives. Empty fields match
// everything.
type Filter struct {
	TypePrefix string
	JobID      string
}

func (f Filter) match(msg Message) bool {
	if f.TypePrefix != "" && !strings.HasPrefix(msg.Type, f.TypePrefix) {
		return false
	}
	if f.JobID != "" && msg.Attributes["jobId"] != f.JobID {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan Message
	filter Filter
}

// Hub fans committed escrow events out to websocket subscribers. It implements
// events.Emitter. Subscribers that cannot keep up are disconnected rather than
// blocking the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger, nowFn: time.Now}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	msg := Message{ID: uuid.NewString(), Type: evt.EventType(), Time: h.nowFn().UTC()}
	if payload, ok := evt.(events.Payload); ok {
		if body := payload.Event(); body != nil {
			msg.Attributes = body.Clone().Attributes
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.filter.match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.logger.Warn("event subscriber too slow, disconnecting", slog.String("type", msg.Type))
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe registers a subscriber. The returned channel is closed when the
// subscriber is cancelled or falls behind.
func (h *Hub) Subscribe(filter Filter) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams matching events.
// Query parameters: type (event type prefix) and job (job id).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{TypePrefix: strings.TrimSpace(r.URL.Query().Get("type"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("job")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			http.Error(w, "invalid job filter", http.StatusBadRequest)
			return
		}
		filter.JobID = strconv.FormatUint(id, 10)
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	messages, cancel := h.Subscribe(filter)
	defer cancel()
	if err := stream(ctx, conn, messages); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, messages <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
