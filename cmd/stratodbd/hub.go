package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stratokit/stratodb/emitter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected /ws/events subscriber, identified by a
// per-connection session id.
type wsClient struct {
	id      uuid.UUID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// hub fans emitter signals out to every connected websocket client: it
// accepts inbound connections and broadcasts to all of them.
type hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*wsClient
}

func newHub() *hub {
	return &hub{clients: make(map[uuid.UUID]*wsClient)}
}

// wire subscribes the hub to every emitter signal it rebroadcasts to
// websocket clients.
func (h *hub) wire(emit *emitter.Emitter) {
	emit.OnResult(func(ev emitter.Event) {
		h.broadcast(map[string]any{"signal": "result", "v": ev.V, "type": ev.Type, "result": ev.Result})
	})
	emit.OnError(func(ev emitter.Event) {
		h.broadcast(map[string]any{"signal": "error", "v": ev.V, "type": ev.Type, "error": ev.Error})
	})
	emit.OnBegin(func() { h.broadcast(map[string]any{"signal": "begin"}) })
	emit.OnEnd(func() { h.broadcast(map[string]any{"signal": "end"}) })
	emit.OnRollback(func() { h.broadcast(map[string]any{"signal": "rollback"}) })
}

func (h *hub) broadcast(v any) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(v); err != nil {
			h.unregister(c)
		}
	}
}

func (h *hub) register(conn *websocket.Conn) *wsClient {
	c := &wsClient{id: uuid.New(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.conn.Close()
}

// serveWS upgrades the request and registers the connection until the
// client disconnects. stratodbd never expects to receive messages on
// this socket — it only reads to notice the close.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	c := h.register(conn)
	log.Printf("ws: client %s connected (%d total)", c.id, h.count())
	defer func() {
		h.unregister(c)
		log.Printf("ws: client %s disconnected (%d total)", c.id, h.count())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
