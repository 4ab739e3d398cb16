// Package collab maintains one reconnecting WebSocket per collaborative
// document. Callers see connect/send/dispose; reconnection and queuing
// are hidden behind the adapter.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jovyan/nbgate/internal/cleanup"
	"github.com/jovyan/nbgate/internal/logging"
	"github.com/jovyan/nbgate/internal/protocol"
	"github.com/jovyan/nbgate/internal/proxy"
)

const (
	backoffFloor   = 100 * time.Millisecond
	backoffCeiling = 2500 * time.Millisecond

	// Pending outbound payloads kept while disconnected. Overflow
	// drops the oldest unsent message rather than growing unbounded.
	maxQueuedMessages = 512
)

// EventSink receives adapter events. Liveness is checked before every
// delivery, mirroring the proxy's window handling.
type EventSink interface {
	Alive() bool
	Deliver(ev *protocol.Event)
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateDisconnected
	stateDisposed
)

// Adapter wraps a single outbound socket to a collaboration server.
type Adapter struct {
	id         string
	url        string
	token      string
	runtimeUID string
	dialer     proxy.Dialer
	registry   *cleanup.Registry
	sink       EventSink
	logger     *logging.Logger

	mu             sync.Mutex
	state          state
	sock           proxy.Socket
	queue          []*protocol.MessageData
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
}

func NewAdapter(id, url, token, runtimeUID string, dialer proxy.Dialer, registry *cleanup.Registry, sink EventSink, logger *logging.Logger) *Adapter {
	return &Adapter{
		id:             id,
		url:            url,
		token:          token,
		runtimeUID:     runtimeUID,
		dialer:         dialer,
		registry:       registry,
		sink:           sink,
		logger:         logger,
		reconnectDelay: backoffFloor,
	}
}

func (a *Adapter) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Infof(format, args...)
	}
}

// Connect starts the connection attempt. No-op when already connected,
// already connecting, or disposed. Refused when the adapter's runtime
// has been flagged terminated.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	switch a.state {
	case stateDisposed, stateConnected, stateConnecting:
		a.mu.Unlock()
		return nil
	}
	if a.runtimeUID != "" && a.registry != nil && a.registry.IsTerminated(a.runtimeUID) {
		a.mu.Unlock()
		return fmt.Errorf("Runtime %s has been terminated", a.runtimeUID)
	}
	a.state = stateConnecting
	a.mu.Unlock()

	go a.dial()
	return nil
}

func (a *Adapter) dial() {
	hdr := http.Header{}
	if a.token != "" {
		hdr.Set("Authorization", "Bearer "+a.token)
	}

	sock, err := a.dialer.Dial(context.Background(), a.url, "", hdr, &adapterHandler{a: a})
	if err != nil {
		a.logf("collab %s: dial failed: %v", a.id, err)
		a.emit(&protocol.CollabEvent{
			AdapterID: a.id,
			Type:      protocol.CollabEventError,
			Error:     err.Error(),
		})
		a.mu.Lock()
		if a.state == stateDisposed {
			a.mu.Unlock()
			return
		}
		a.state = stateDisconnected
		a.scheduleReconnectLocked()
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	if a.state == stateDisposed {
		a.mu.Unlock()
		sock.Close(protocol.CloseCodeNormal, "Adapter disposed")
		return
	}
	a.sock = sock
	a.state = stateConnected
	a.reconnectDelay = backoffFloor
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()

	a.emit(&protocol.CollabEvent{
		AdapterID: a.id,
		Type:      protocol.CollabEventStatus,
		Status:    protocol.StatusConnected,
	})

	// Flush oldest first. A failed item is logged and must not block
	// the rest of the queue.
	for _, data := range pending {
		if err := a.write(sock, data); err != nil {
			a.logf("collab %s: queued send failed: %v", a.id, err)
		}
	}
}

// Send dispatches immediately when connected, otherwise queues the
// payload for the next successful connect.
func (a *Adapter) Send(data *protocol.MessageData) {
	if data == nil {
		return
	}
	a.mu.Lock()
	if a.state == stateDisposed {
		a.mu.Unlock()
		return
	}
	if a.state != stateConnected || a.sock == nil {
		if len(a.queue) >= maxQueuedMessages {
			a.queue = a.queue[1:]
		}
		a.queue = append(a.queue, data)
		a.mu.Unlock()
		return
	}
	sock := a.sock
	a.mu.Unlock()

	if err := a.write(sock, data); err != nil {
		a.logf("collab %s: send failed: %v", a.id, err)
	}
}

func (a *Adapter) write(sock proxy.Socket, data *protocol.MessageData) error {
	switch {
	case data.Text != nil:
		return sock.SendText(*data.Text)
	case data.Binary != nil:
		return sock.SendBinary([]byte(data.Binary.Data))
	case data.JSON != nil:
		return sock.SendText(string(data.JSON))
	}
	return nil
}

// Dispose latches the terminal state: no reconnect is ever scheduled
// again, the socket is closed and the queue dropped.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	if a.state == stateDisposed {
		a.mu.Unlock()
		return
	}
	a.state = stateDisposed
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	sock := a.sock
	a.sock = nil
	a.queue = nil
	a.mu.Unlock()

	if sock != nil {
		sock.Close(protocol.CloseCodeNormal, "Adapter disposed")
	}
	a.logf("collab %s: disposed", a.id)
}

// Disposed reports whether the adapter has been disposed.
func (a *Adapter) Disposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateDisposed
}

// Connected reports whether the adapter currently has a live socket.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateConnected
}

// ReconnectDelay returns the current backoff value.
func (a *Adapter) ReconnectDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnectDelay
}

// QueueLen returns the number of pending outbound payloads.
func (a *Adapter) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// scheduleReconnectLocked arms the reconnect timer with the current
// delay, then doubles it up to the ceiling. Caller holds a.mu.
func (a *Adapter) scheduleReconnectLocked() {
	delay := a.reconnectDelay
	a.reconnectTimer = time.AfterFunc(delay, a.reconnect)
	a.reconnectDelay *= 2
	if a.reconnectDelay > backoffCeiling {
		a.reconnectDelay = backoffCeiling
	}
}

func (a *Adapter) reconnect() {
	a.mu.Lock()
	if a.state != stateDisconnected {
		a.mu.Unlock()
		return
	}
	a.state = stateConnecting
	a.mu.Unlock()
	a.dial()
}

func (a *Adapter) emit(ev *protocol.CollabEvent) {
	if a.sink == nil || !a.sink.Alive() {
		return
	}
	a.sink.Deliver(&protocol.Event{Event: protocol.EventCollab, Collab: ev})
}

// adapterHandler adapts transport events for the adapter's socket.
type adapterHandler struct {
	a *Adapter
}

// OnMessage forwards JSON control messages structurally and everything
// else as an opaque binary update, so the window side never confuses
// the two.
func (h *adapterHandler) OnMessage(data []byte, binary bool) {
	ev := &protocol.CollabEvent{AdapterID: h.a.id, Type: protocol.CollabEventMessage}
	if !binary && json.Valid(data) {
		ev.Data = &protocol.MessageData{JSON: append(json.RawMessage(nil), data...)}
	} else {
		ev.Data = protocol.BinaryData(protocol.BinaryKindArrayBuffer, data)
	}
	h.a.emit(ev)
}

// OnClose emits the disconnect and, unless disposed, schedules the next
// attempt. Reconnects are driven only from here, never from OnError.
func (h *adapterHandler) OnClose(code int, reason string, wasClean bool) {
	a := h.a
	a.mu.Lock()
	a.sock = nil
	if a.state == stateDisposed {
		a.mu.Unlock()
		return
	}
	a.state = stateDisconnected
	a.scheduleReconnectLocked()
	a.mu.Unlock()

	a.emit(&protocol.CollabEvent{
		AdapterID: a.id,
		Type:      protocol.CollabEventStatus,
		Status:    protocol.StatusDisconnected,
	})
}

func (h *adapterHandler) OnError(err error) {
	h.a.emit(&protocol.CollabEvent{
		AdapterID: h.a.id,
		Type:      protocol.CollabEventError,
		Error:     err.Error(),
	})
}
