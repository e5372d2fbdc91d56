package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/jobs"
)

// Number of updates buffered per subscriber before further updates to it
// are dropped.
const SubscriberBufferSize = 64

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub fans job updates out to WebSocket subscribers and remembers the last
// state of every job it has seen.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[chan jobs.Update]struct{}
	latest map[string]jobs.Job
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[chan jobs.Update]struct{}),
		latest: make(map[string]jobs.Job),
	}
}

// Publish delivers u to every subscriber without blocking.
func (h *Hub) Publish(u jobs.Update) {
	h.mu.Lock()
	h.latest[u.Key] = u.Job.Clone()
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- u:
		default:
			h.logger.Warn("dropping job update for slow subscriber", zap.String("key", u.Key))
		}
	}
}

// Updater chains next after Publish.
func (h *Hub) Updater(next jobs.Updater) jobs.Updater {
	return func(u jobs.Update) {
		if next != nil {
			next(u)
		}
		h.Publish(u)
	}
}

// Subscribe registers a receiver. The returned func unsubscribes and closes
// the channel.
func (h *Hub) Subscribe() (<-chan jobs.Update, func()) {
	ch := make(chan jobs.Update, SubscriberBufferSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Latest returns the last seen state of key.
func (h *Hub) Latest(key string) (jobs.Job, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	j, ok := h.latest[key]
	return j, ok
}

// Active lists jobs seen without a terminal update.
func (h *Hub) Active() []jobs.Job {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []jobs.Job
	for _, j := range h.latest {
		if !j.Done() {
			out = append(out, j)
		}
	}
	return out
}

// subscriberCommand is sent by clients as a text frame.
type subscriberCommand struct {
	Command string `json:"command"`
	Key     string `json:"key,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS streams updates as JSON text frames. A "?key=" query, or a
// {"command":"follow","key":...} message, narrows the stream to one job;
// {"command":"all"} widens it again.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.Subscribe()
	defer unsubscribe()

	commands := make(chan subscriberCommand, 1)
	go h.readCommands(conn, commands)

	filter := r.URL.Query().Get("key")
	if filter != "" {
		if j, ok := h.Latest(filter); ok {
			if err := writeUpdate(conn, jobs.Update{Job: j}); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			switch cmd.Command {
			case "follow":
				filter = cmd.Key
			case "all":
				filter = ""
			default:
				h.logger.Debug("unknown websocket command", zap.String("command", cmd.Command))
			}
		case u := <-updates:
			if filter != "" && u.Key != filter {
				continue
			}
			if err := writeUpdate(conn, u); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) readCommands(conn *websocket.Conn, out chan<- subscriberCommand) {
	defer close(out)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var cmd subscriberCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("bad websocket command", zap.Error(err))
			continue
		}
		out <- cmd
	}
}

func writeUpdate(conn *websocket.Conn, u jobs.Update) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(u)
}
