// Package proxy multiplexes logical WebSocket connections on behalf of
// UI windows. Windows never touch the network directly: they ask the
// multiplexer to open/send/close, and receive socket events pushed back
// over their own channel.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/jovyan/nbgate/internal/cleanup"
	"github.com/jovyan/nbgate/internal/logging"
	"github.com/jovyan/nbgate/internal/protocol"
)

// Window is the event sink for a UI window that owns connections.
type Window interface {
	ID() string
	// Alive reports whether the window can still receive events.
	// Checked immediately before every delivery.
	Alive() bool
	// Deliver pushes an event to the window. Fire-and-forget.
	Deliver(ev *protocol.Event)
	// Closed is signalled when the window goes away.
	Closed() <-chan struct{}
}

// Socket is an open transport, exclusively owned by one Connection.
type Socket interface {
	SendText(data string) error
	SendBinary(data []byte) error
	Close(code int, reason string) error
}

// Handler receives transport events for a single socket. A successful
// Dial counts as the open event; the dialer only reports what happens
// afterwards.
type Handler interface {
	OnMessage(data []byte, binary bool)
	OnClose(code int, reason string, wasClean bool)
	OnError(err error)
}

// Dialer opens sockets. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, urlStr, subprotocol string, headers http.Header, h Handler) (Socket, error)
}

// Connection is one logical WebSocket channel.
type Connection struct {
	id         string
	windowID   string
	runtimeUID string
	url        string
	win        Window

	mu     sync.Mutex
	sock   Socket
	closed bool
}

// markClosed latches the closed flag and detaches the socket. Returns
// the detached socket and true on the first call, nil and false after.
func (c *Connection) markClosed() (Socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	return sock, true
}

// adoptSocket installs the freshly dialed socket. Returns false if the
// connection was closed while the dial was in flight.
func (c *Connection) adoptSocket(s Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sock = s
	return true
}

func (c *Connection) socket() Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OpenResult is the outcome of an open request. Either ID is set, or
// Blocked is true with a human-readable reason.
type OpenResult struct {
	ID      string
	Blocked bool
	Reason  string
}

// Multiplexer owns the connection table. All mutation goes through its
// methods; other components coordinate via calls, never by reaching
// into the table.
type Multiplexer struct {
	dialer   Dialer
	registry *cleanup.Registry
	logger   *logging.Logger

	mu        sync.Mutex
	nextID    int
	conns     map[string]*Connection
	byWindow  map[string]map[string]*Connection
	byRuntime map[string]map[string]*Connection
	watched   map[string]bool // windows whose close signal is already wired
}

func NewMultiplexer(dialer Dialer, registry *cleanup.Registry, logger *logging.Logger) *Multiplexer {
	return &Multiplexer{
		dialer:    dialer,
		registry:  registry,
		logger:    logger,
		conns:     make(map[string]*Connection),
		byWindow:  make(map[string]map[string]*Connection),
		byRuntime: make(map[string]map[string]*Connection),
		watched:   make(map[string]bool),
	}
}

func (m *Multiplexer) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Infof(format, args...)
	}
}

// Open opens a new proxied connection for a window. If the target
// runtime is already flagged terminated, the request is refused before
// any socket is constructed.
func (m *Multiplexer) Open(ctx context.Context, win Window, urlStr, subprotocol string, headers map[string]string, runtimeUID string) (OpenResult, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return OpenResult{}, fmt.Errorf("invalid websocket url: %q", urlStr)
	}

	if runtimeUID != "" && m.registry.IsTerminated(runtimeUID) {
		m.logf("refusing connection to terminated runtime %s", runtimeUID)
		return OpenResult{
			Blocked: true,
			Reason:  fmt.Sprintf("Runtime %s has been terminated", runtimeUID),
		}, nil
	}

	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		hdr.Set(k, v)
	}

	m.mu.Lock()
	m.nextID++
	conn := &Connection{
		id:         fmt.Sprintf("ws-%d", m.nextID),
		windowID:   win.ID(),
		runtimeUID: runtimeUID,
		url:        urlStr,
		win:        win,
	}
	m.track(conn)
	if !m.watched[win.ID()] {
		m.watched[win.ID()] = true
		go m.watchWindow(win)
	}
	m.mu.Unlock()

	sock, err := m.dialer.Dial(ctx, urlStr, subprotocol, hdr, &connHandler{m: m, c: conn})
	if err != nil {
		m.mu.Lock()
		m.untrack(conn)
		m.mu.Unlock()
		return OpenResult{}, fmt.Errorf("open %s: %w", urlStr, err)
	}

	// Teardown may have raced the dial: the runtime sweep can close this
	// connection, or flag the runtime terminated, while the handshake is
	// still in flight. Either way the dialed socket must not survive.
	if !conn.adoptSocket(sock) || (runtimeUID != "" && m.registry.IsTerminated(runtimeUID)) {
		conn.markClosed()
		closeReason := protocol.CloseReasonWindowClosed
		blockReason := "Window closed"
		if runtimeUID != "" {
			closeReason = protocol.CloseReasonRuntimeGone
			blockReason = fmt.Sprintf("Runtime %s has been terminated", runtimeUID)
		}
		if err := sock.Close(protocol.CloseCodeNormal, closeReason); err != nil {
			m.logf("close %s: %v", conn.id, err)
		}
		m.mu.Lock()
		m.untrack(conn)
		m.mu.Unlock()
		m.logf("discarding %s: torn down during dial (runtime=%q)", conn.id, runtimeUID)
		return OpenResult{Blocked: true, Reason: blockReason}, nil
	}

	m.forward(conn, &protocol.WSEvent{ID: conn.id, Type: protocol.WSEventOpen})
	m.logf("opened %s for window %s (runtime=%q)", conn.id, conn.windowID, runtimeUID)
	return OpenResult{ID: conn.id}, nil
}

// Send dispatches data on a connection. Unknown ids are a silent no-op:
// the window may race its send against an in-flight close event.
func (m *Multiplexer) Send(id string, data *protocol.MessageData) {
	m.mu.Lock()
	conn := m.conns[id]
	m.mu.Unlock()
	if conn == nil || data == nil {
		return
	}
	sock := conn.socket()
	if sock == nil {
		return
	}

	var err error
	switch {
	case data.Text != nil:
		err = sock.SendText(*data.Text)
	case data.Binary != nil:
		err = sock.SendBinary([]byte(data.Binary.Data))
	case data.JSON != nil:
		err = sock.SendText(string(data.JSON))
	}
	if err != nil {
		m.logf("send on %s failed: %v", id, err)
	}
}

// Close closes a connection. Unknown ids are a silent no-op.
func (m *Multiplexer) Close(id string, code int, reason string) {
	if code == 0 {
		code = protocol.CloseCodeNormal
	}
	if reason == "" {
		reason = protocol.CloseReasonNormal
	}
	m.mu.Lock()
	conn := m.conns[id]
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.closeConn(conn, code, reason)
}

// CloseConnectionsForRuntime closes every connection tagged with the
// runtime and leaves all others untouched. Returns how many it closed.
func (m *Multiplexer) CloseConnectionsForRuntime(runtimeUID string) int {
	m.mu.Lock()
	var targets []*Connection
	for _, conn := range m.byRuntime[runtimeUID] {
		targets = append(targets, conn)
	}
	m.mu.Unlock()

	for _, conn := range targets {
		m.closeConn(conn, protocol.CloseCodeNormal, protocol.CloseReasonRuntimeGone)
	}
	if len(targets) > 0 {
		m.logf("closed %d connection(s) for runtime %s", len(targets), runtimeUID)
	}
	return len(targets)
}

// CloseConnectionsForWindow closes every connection a window owns.
func (m *Multiplexer) CloseConnectionsForWindow(windowID string) int {
	m.mu.Lock()
	var targets []*Connection
	for _, conn := range m.byWindow[windowID] {
		targets = append(targets, conn)
	}
	m.mu.Unlock()

	for _, conn := range targets {
		m.closeConn(conn, protocol.CloseCodeNormal, protocol.CloseReasonWindowClosed)
	}
	return len(targets)
}

// CloseAll closes every tracked connection and clears all indices.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		targets = append(targets, conn)
	}
	m.mu.Unlock()

	for _, conn := range targets {
		m.closeConn(conn, protocol.CloseCodeNormal, protocol.CloseReasonNormal)
	}

	m.mu.Lock()
	m.conns = make(map[string]*Connection)
	m.byWindow = make(map[string]map[string]*Connection)
	m.byRuntime = make(map[string]map[string]*Connection)
	m.mu.Unlock()
}

// Connections returns a snapshot for queries and the dashboard.
func (m *Multiplexer) Connections() []protocol.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, protocol.ConnectionInfo{
			ID:         conn.id,
			WindowID:   conn.windowID,
			RuntimeUID: conn.runtimeUID,
			URL:        conn.url,
		})
	}
	return out
}

// Count returns the number of tracked connections.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// track/untrack maintain the table and indices. Caller holds m.mu.
func (m *Multiplexer) track(conn *Connection) {
	m.conns[conn.id] = conn
	if m.byWindow[conn.windowID] == nil {
		m.byWindow[conn.windowID] = make(map[string]*Connection)
	}
	m.byWindow[conn.windowID][conn.id] = conn
	if conn.runtimeUID != "" {
		if m.byRuntime[conn.runtimeUID] == nil {
			m.byRuntime[conn.runtimeUID] = make(map[string]*Connection)
		}
		m.byRuntime[conn.runtimeUID][conn.id] = conn
	}
}

func (m *Multiplexer) untrack(conn *Connection) {
	delete(m.conns, conn.id)
	if byWin := m.byWindow[conn.windowID]; byWin != nil {
		delete(byWin, conn.id)
		if len(byWin) == 0 {
			delete(m.byWindow, conn.windowID)
		}
	}
	if conn.runtimeUID != "" {
		if byRt := m.byRuntime[conn.runtimeUID]; byRt != nil {
			delete(byRt, conn.id)
			if len(byRt) == 0 {
				delete(m.byRuntime, conn.runtimeUID)
			}
		}
	}
}

// closeConn closes the socket, removes the connection and forwards the
// close event. Safe to race with the transport's own close: only the
// first path through the latch does the work.
func (m *Multiplexer) closeConn(conn *Connection, code int, reason string) {
	sock, first := conn.markClosed()
	if !first {
		return
	}
	if sock != nil {
		if err := sock.Close(code, reason); err != nil {
			m.logf("close %s: %v", conn.id, err)
		}
	}
	m.mu.Lock()
	m.untrack(conn)
	m.mu.Unlock()

	m.forward(conn, &protocol.WSEvent{
		ID:       conn.id,
		Type:     protocol.WSEventClose,
		Code:     code,
		Reason:   reason,
		WasClean: true,
	})
}

// forward pushes a socket event to the owning window, unless the window
// is gone. The liveness check happens immediately before delivery so a
// destroyed window never receives a forwarded event.
func (m *Multiplexer) forward(conn *Connection, ev *protocol.WSEvent) {
	if !conn.win.Alive() {
		if m.logger != nil {
			m.logger.Debugf("dropping %s event for %s: window %s gone", ev.Type, conn.id, conn.windowID)
		}
		return
	}
	conn.win.Deliver(&protocol.Event{Event: protocol.EventWebSocket, WS: ev})
}

// watchWindow cascades a window's close signal to all its connections.
// Wired once per window, on its first open.
func (m *Multiplexer) watchWindow(win Window) {
	<-win.Closed()
	n := m.CloseConnectionsForWindow(win.ID())
	m.logf("window %s closed, dropped %d connection(s)", win.ID(), n)
}

// connHandler adapts transport events for one connection.
type connHandler struct {
	m *Multiplexer
	c *Connection
}

// OnMessage forwards a frame to the window. Frames read after the close
// latch fired (the backend draining after teardown) are dropped.
func (h *connHandler) OnMessage(data []byte, binary bool) {
	if h.c.isClosed() {
		return
	}
	ev := &protocol.WSEvent{ID: h.c.id, Type: protocol.WSEventMessage}
	if binary {
		ev.Data = protocol.BinaryData(protocol.BinaryKindBuffer, data)
	} else {
		ev.Data = protocol.TextData(string(data))
	}
	h.m.forward(h.c, ev)
}

func (h *connHandler) OnClose(code int, reason string, wasClean bool) {
	if _, first := h.c.markClosed(); !first {
		return
	}
	h.m.mu.Lock()
	h.m.untrack(h.c)
	h.m.mu.Unlock()

	h.m.forward(h.c, &protocol.WSEvent{
		ID:       h.c.id,
		Type:     protocol.WSEventClose,
		Code:     code,
		Reason:   reason,
		WasClean: wasClean,
	})
}

// OnError forwards the error without closing: the transport's own close
// event, if one follows, drives cleanup.
func (h *connHandler) OnError(err error) {
	if h.c.isClosed() {
		return
	}
	h.m.forward(h.c, &protocol.WSEvent{
		ID:      h.c.id,
		Type:    protocol.WSEventError,
		Error:   err.Error(),
		Message: err.Error(),
	})
}
