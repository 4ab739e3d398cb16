package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/jovyan/nbgate/internal/protocol"
)

const maxSlowCount = 3 // disconnect after this many consecutive failed sends

// wsClient is one connected window. It is the event sink for every
// proxied connection and collaboration adapter the window owns: the
// multiplexer and adapters check Alive and push through Deliver, and
// Closed drives the cascade that drops the window's connections when
// it goes away.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	recv      chan []byte // incoming messages for ordered processing
	slowCount int

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		recv:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *wsClient) Closed() <-chan struct{} { return c.closed }

// Deliver queues an event for the write pump. Fire-and-forget: a full
// buffer drops the event rather than blocking the caller.
func (c *wsClient) Deliver(ev *protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// wsHub manages all connected windows
type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	logf       func(format string, args ...interface{})
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		logf:       func(format string, args ...interface{}) {},
	}
}

func (h *wsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.markClosed()
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			var toRemove []*wsClient
			for client := range h.clients {
				select {
				case client.send <- message:
					client.slowCount = 0
				default:
					client.slowCount++
					if client.slowCount >= maxSlowCount {
						h.logf("window %s too slow (%d missed), disconnecting", client.id, client.slowCount)
						toRemove = append(toRemove, client)
					} else {
						h.logf("window %s slow (%d/%d missed)", client.id, client.slowCount, maxSlowCount)
					}
				}
			}
			for _, client := range toRemove {
				delete(h.clients, client)
				client.markClosed()
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every connected window.
func (h *wsHub) Broadcast(ev *protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logf("broadcast marshal error: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logf("broadcast channel full, dropping %s event", ev.Event)
	}
}

// ClientCount returns the number of connected windows.
func (h *wsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades a window connection and runs its pumps.
func (d *Daemon) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local app only, bound to loopback
	})
	if err != nil {
		d.logf("websocket accept error: %v", err)
		return
	}

	client := newWSClient(conn)
	d.wsHub.register <- client
	d.logf("window %s connected (%d total)", client.id, d.wsHub.ClientCount())

	d.sendInitialState(client)

	done := make(chan struct{})
	go d.wsPingLoop(client, done)

	go d.wsWritePump(client)
	go d.wsMsgPump(client)
	d.wsReadPump(client)

	close(done)
}

func (d *Daemon) sendInitialState(client *wsClient) {
	client.Deliver(&protocol.Event{
		Event:    protocol.EventRuntimesUpdated,
		Runtimes: d.orch.Runtimes(),
	})
}

func (d *Daemon) wsWritePump(client *wsClient) {
	defer func() {
		client.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// wsMsgPump processes incoming messages in FIFO order so a window's
// commands are applied in the order it issued them.
func (d *Daemon) wsMsgPump(client *wsClient) {
	for data := range client.recv {
		d.handleClientMessage(client, data)
	}
}

// wsPingLoop sends periodic pings to detect dead windows.
func (d *Daemon) wsPingLoop(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				d.logf("ping to window %s failed: %v", client.id, err)
				client.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (d *Daemon) wsReadPump(client *wsClient) {
	defer func() {
		close(client.recv)
		d.wsHub.unregister <- client
		client.conn.Close(websocket.StatusNormalClosure, "")
		d.logf("window %s disconnected (%d remaining)", client.id, d.wsHub.ClientCount())
	}()

	for {
		// No read timeout: liveness comes from the ping loop. A failed
		// ping closes the connection, which unblocks this Read.
		_, data, err := client.conn.Read(context.Background())
		if err != nil {
			return
		}

		select {
		case client.recv <- data:
		default:
			d.logf("window %s recv buffer full, dropping message", client.id)
		}
	}
}
