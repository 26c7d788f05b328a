package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	zerofish "github.com/RajanDhamala/go-zerofish"
)

const wsIdlePingInterval = 30 * time.Second

type LineEvent struct {
	Worker int    `json:"worker"`
	Engine string `json:"engine"`
	Line   string `json:"line"`
}

type lineClient struct {
	conn *websocket.Conn
	send chan []byte
}

// LineHub fans raw engine output out to WebSocket subscribers. Slow clients drop lines.
type LineHub struct {
	mu        sync.Mutex
	clients   map[*lineClient]struct{}
	broadcast chan LineEvent
}

func NewLineHub() *LineHub {
	return &LineHub{
		clients:   make(map[*lineClient]struct{}),
		broadcast: make(chan LineEvent, 256),
	}
}

// Observe matches zerofish.LineObserver and never blocks the engine reader.
func (h *LineHub) Observe(worker int, kind zerofish.Kind, line string) {
	select {
	case h.broadcast <- LineEvent{Worker: worker, Engine: kind.String(), Line: line}:
	default:
	}
}

func (h *LineHub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *LineHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *LineHub) register(c *lineClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *LineHub) unregister(c *lineClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *LineHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &lineClient{conn: conn, send: make(chan []byte, 64)}
	h.register(client)

	go func() {
		defer conn.Close()
		_ = writeWithHeartbeat(conn, client.send)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.unregister(client)
			return
		}
	}
}

func writeWithHeartbeat(conn *websocket.Conn, send <-chan []byte) error {
	ticker := time.NewTicker(wsIdlePingInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < wsIdlePingInterval {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
			lastWrite = time.Now()
		}
	}
}
