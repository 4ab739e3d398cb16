package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jovyan/nbgate/internal/cleanup"
	"github.com/jovyan/nbgate/internal/protocol"
)

// fakeWindow records delivered events.
type fakeWindow struct {
	id     string
	mu     sync.Mutex
	alive  bool
	events []*protocol.Event
	closed chan struct{}
}

func newFakeWindow(id string) *fakeWindow {
	return &fakeWindow{id: id, alive: true, closed: make(chan struct{})}
}

func (w *fakeWindow) ID() string { return w.id }

func (w *fakeWindow) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *fakeWindow) Deliver(ev *protocol.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

func (w *fakeWindow) Closed() <-chan struct{} { return w.closed }

func (w *fakeWindow) destroy() {
	w.mu.Lock()
	w.alive = false
	w.mu.Unlock()
}

func (w *fakeWindow) wsEvents() []*protocol.WSEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*protocol.WSEvent
	for _, ev := range w.events {
		if ev.Event == protocol.EventWebSocket && ev.WS != nil {
			out = append(out, ev.WS)
		}
	}
	return out
}

// fakeSocket records writes and closes, and exposes its handler so
// tests can inject transport events.
type fakeSocket struct {
	mu      sync.Mutex
	handler Handler
	texts   []string
	binary  [][]byte
	closes  []closeCall
}

type closeCall struct {
	code   int
	reason string
}

func (s *fakeSocket) SendText(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, data)
	return nil
}

func (s *fakeSocket) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = append(s.binary, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, closeCall{code, reason})
	return nil
}

func (s *fakeSocket) closeCalls() []closeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]closeCall(nil), s.closes...)
}

// fakeDialer hands out fakeSockets and counts dials.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string, _ http.Header, h Handler) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{handler: h}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

// blockingDialer parks Dial until released, so tests can run teardown
// while a handshake is in flight.
type blockingDialer struct {
	fakeDialer
	entered chan struct{}
	release chan struct{}
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (d *blockingDialer) Dial(ctx context.Context, urlStr, subprotocol string, hdr http.Header, h Handler) (Socket, error) {
	close(d.entered)
	<-d.release
	return d.fakeDialer.Dial(ctx, urlStr, subprotocol, hdr, h)
}

func newTestMux(d *fakeDialer) (*Multiplexer, *cleanup.Registry) {
	reg := cleanup.NewRegistry()
	return NewMultiplexer(d, reg, nil), reg
}

func mustOpen(t *testing.T, m *Multiplexer, win Window, url, runtimeUID string) string {
	t.Helper()
	res, err := m.Open(context.Background(), win, url, "", nil, runtimeUID)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if res.Blocked {
		t.Fatalf("Open blocked: %s", res.Reason)
	}
	return res.ID
}

func TestOpen_AssignsMonotonicIDs(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")

	id1 := mustOpen(t, m, win, "ws://localhost/k1", "")
	id2 := mustOpen(t, m, win, "ws://localhost/k2", "")

	if id1 != "ws-1" || id2 != "ws-2" {
		t.Errorf("ids = %q, %q, want ws-1, ws-2", id1, id2)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")

	if _, err := m.Open(context.Background(), win, "http://not-a-ws", "", nil, ""); err == nil {
		t.Error("expected error for non-ws scheme")
	}
	if d.dialCount() != 0 {
		t.Errorf("dialed %d times, want 0", d.dialCount())
	}
}

func TestOpen_RefusedForTerminatedRuntime(t *testing.T) {
	d := &fakeDialer{}
	m, reg := newTestMux(d)
	win := newFakeWindow("win-a")

	reg.MarkTerminated("rt-dead")

	res, err := m.Open(context.Background(), win, "ws://localhost/kernel", "", nil, "rt-dead")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if !res.Blocked {
		t.Fatal("open should be blocked for a terminated runtime")
	}
	if res.Reason != "Runtime rt-dead has been terminated" {
		t.Errorf("Reason = %q", res.Reason)
	}
	if d.dialCount() != 0 {
		t.Errorf("no socket must be constructed, dialed %d times", d.dialCount())
	}
}

func TestOpen_DialFailureUntracksConnection(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")

	if _, err := m.Open(context.Background(), win, "ws://localhost/kernel", "", nil, ""); err == nil {
		t.Fatal("expected dial error")
	}
	if m.Count() != 0 {
		t.Errorf("failed open left %d tracked connections", m.Count())
	}
}

func TestOpen_TeardownSweepDuringDial(t *testing.T) {
	d := newBlockingDialer()
	reg := cleanup.NewRegistry()
	m := NewMultiplexer(d, reg, nil)
	win := newFakeWindow("win-a")

	type outcome struct {
		res OpenResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Open(context.Background(), win, "ws://localhost/kernel", "", nil, "rt-1")
		done <- outcome{res, err}
	}()

	// Full teardown lands while the handshake is parked.
	<-d.entered
	m.CloseConnectionsForRuntime("rt-1")
	reg.MarkTerminated("rt-1")
	close(d.release)

	got := <-done
	if got.err != nil {
		t.Fatalf("Open error: %v", got.err)
	}
	if !got.res.Blocked {
		t.Fatalf("open must be blocked when the runtime is torn down mid-dial, got id %q", got.res.ID)
	}
	if got.res.Reason != "Runtime rt-1 has been terminated" {
		t.Errorf("Reason = %q", got.res.Reason)
	}
	if calls := d.socket(0).closeCalls(); len(calls) != 1 {
		t.Errorf("dialed socket got %d close calls, want 1", len(calls))
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}

	// Late frames from the dead backend must not reach the window.
	before := len(win.wsEvents())
	d.socket(0).handler.OnMessage([]byte("stale"), false)
	if got := len(win.wsEvents()); got != before {
		t.Errorf("window received %d event(s) after teardown", got-before)
	}
}

func TestOpen_TerminationFlagDuringDial(t *testing.T) {
	d := newBlockingDialer()
	reg := cleanup.NewRegistry()
	m := NewMultiplexer(d, reg, nil)
	win := newFakeWindow("win-a")

	done := make(chan OpenResult, 1)
	go func() {
		res, _ := m.Open(context.Background(), win, "ws://localhost/kernel", "", nil, "rt-1")
		done <- res
	}()

	// Only the registry flag lands mid-dial; no sweep touched the
	// connection, so the post-dial re-check has to catch it alone.
	<-d.entered
	reg.MarkTerminated("rt-1")
	close(d.release)

	res := <-done
	if !res.Blocked {
		t.Fatalf("open must be blocked, got id %q", res.ID)
	}
	if calls := d.socket(0).closeCalls(); len(calls) != 1 {
		t.Errorf("dialed socket got %d close calls, want 1", len(calls))
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestSend_Dispatch(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	id := mustOpen(t, m, win, "ws://localhost/kernel", "")
	sock := d.socket(0)

	m.Send(id, protocol.TextData("plain"))
	m.Send(id, protocol.BinaryData(protocol.BinaryKindBuffer, []byte{9, 8, 7}))
	m.Send(id, &protocol.MessageData{JSON: []byte(`{"msg_type":"kernel_info_request"}`)})

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.texts) != 2 || sock.texts[0] != "plain" {
		t.Errorf("texts = %v", sock.texts)
	}
	if sock.texts[1] != `{"msg_type":"kernel_info_request"}` {
		t.Errorf("object payload sent as %q", sock.texts[1])
	}
	if len(sock.binary) != 1 || len(sock.binary[0]) != 3 || sock.binary[0][0] != 9 {
		t.Errorf("binary = %v", sock.binary)
	}
}

func TestSendAndClose_UnknownID_NoOp(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)

	// Neither may panic nor have side effects.
	m.Send("nonexistent", protocol.TextData("x"))
	m.Close("nonexistent", 0, "")

	if d.dialCount() != 0 || m.Count() != 0 {
		t.Error("unknown-id operations must have no observable effect")
	}
}

func TestCloseConnectionsForRuntime_Selective(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")

	c1 := mustOpen(t, m, win, "ws://localhost/k1", "rt-1")
	c2 := mustOpen(t, m, win, "ws://localhost/k2", "rt-1")
	c3 := mustOpen(t, m, win, "ws://localhost/k3", "rt-2")

	n := m.CloseConnectionsForRuntime("rt-1")
	if n != 2 {
		t.Errorf("closed %d connections, want 2", n)
	}

	for i, id := range []string{c1, c2} {
		calls := d.socket(i).closeCalls()
		if len(calls) != 1 {
			t.Fatalf("socket for %s: %d close calls, want 1", id, len(calls))
		}
		if calls[0].code != 1000 || calls[0].reason != "Runtime terminated" {
			t.Errorf("socket for %s closed with (%d, %q)", id, calls[0].code, calls[0].reason)
		}
	}
	if calls := d.socket(2).closeCalls(); len(calls) != 0 {
		t.Errorf("socket for %s must stay open, got %d close calls", c3, len(calls))
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	id := mustOpen(t, m, win, "ws://localhost/kernel", "")

	payload := []byte{1, 2, 3, 4, 5}
	m.Send(id, protocol.BinaryData(protocol.BinaryKindBuffer, payload))

	// Echo back through the transport.
	sock := d.socket(0)
	sock.mu.Lock()
	sent := sock.binary[0]
	sock.mu.Unlock()
	sock.handler.OnMessage(sent, true)

	events := win.wsEvents()
	last := events[len(events)-1]
	if last.Type != protocol.WSEventMessage {
		t.Fatalf("last event type = %q", last.Type)
	}
	if last.Data == nil || last.Data.Binary == nil {
		t.Fatal("message event should carry binary data")
	}
	if last.Data.Binary.Kind != protocol.BinaryKindBuffer {
		t.Errorf("Kind = %q, want Buffer", last.Data.Binary.Kind)
	}
	got := []byte(last.Data.Binary.Data)
	if len(got) != 5 {
		t.Fatalf("got %d bytes, want 5", len(got))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Errorf("byte %d = %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestTextFrameForwardedVerbatim(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	mustOpen(t, m, win, "ws://localhost/kernel", "")

	d.socket(0).handler.OnMessage([]byte(`{"msg_type":"status"}`), false)

	events := win.wsEvents()
	last := events[len(events)-1]
	if last.Data == nil || last.Data.Text == nil || *last.Data.Text != `{"msg_type":"status"}` {
		t.Errorf("text frame mangled: %+v", last.Data)
	}
}

func TestWindowClosedCascade(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	winA := newFakeWindow("win-a")
	winB := newFakeWindow("win-b")

	mustOpen(t, m, winA, "ws://localhost/k1", "")
	mustOpen(t, m, winA, "ws://localhost/k2", "")
	mustOpen(t, m, winB, "ws://localhost/k3", "")

	close(winA.closed)

	deadline := time.Now().Add(2 * time.Second)
	for m.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d after window close, want 1", m.Count())
	}
	if calls := d.socket(2).closeCalls(); len(calls) != 0 {
		t.Error("window B's connection must be untouched")
	}
}

func TestErrorEvent_DoesNotClose(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	mustOpen(t, m, win, "ws://localhost/kernel", "")

	d.socket(0).handler.OnError(errors.New("tls: handshake failure"))

	if m.Count() != 1 {
		t.Error("error event must not remove the connection")
	}
	events := win.wsEvents()
	last := events[len(events)-1]
	if last.Type != protocol.WSEventError || last.Error == "" {
		t.Errorf("expected forwarded error event, got %+v", last)
	}
}

func TestTransportClose_RemovesAndForwards(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	id := mustOpen(t, m, win, "ws://localhost/kernel", "")

	d.socket(0).handler.OnClose(1001, "going away", true)

	if m.Count() != 0 {
		t.Error("transport close must remove the connection")
	}
	events := win.wsEvents()
	last := events[len(events)-1]
	if last.Type != protocol.WSEventClose || last.ID != id || last.Code != 1001 {
		t.Errorf("close event = %+v", last)
	}

	// A second close from any path is a no-op.
	m.Close(id, 0, "")
	d.socket(0).handler.OnClose(1006, "", false)
	if got := len(win.wsEvents()); got != len(events) {
		t.Errorf("duplicate close produced extra events: %d -> %d", len(events), got)
	}
}

func TestDestroyedWindow_EventsSwallowed(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	mustOpen(t, m, win, "ws://localhost/kernel", "")

	before := len(win.wsEvents())
	win.destroy()

	d.socket(0).handler.OnMessage([]byte("late"), false)
	d.socket(0).handler.OnError(errors.New("late error"))

	if got := len(win.wsEvents()); got != before {
		t.Errorf("destroyed window received %d extra events", got-before)
	}
}

func TestCloseAll(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	winA := newFakeWindow("win-a")
	winB := newFakeWindow("win-b")

	mustOpen(t, m, winA, "ws://localhost/k1", "rt-1")
	mustOpen(t, m, winB, "ws://localhost/k2", "rt-2")

	m.CloseAll()

	if m.Count() != 0 {
		t.Errorf("Count() = %d after CloseAll", m.Count())
	}
	for i := 0; i < 2; i++ {
		if calls := d.socket(i).closeCalls(); len(calls) != 1 {
			t.Errorf("socket %d: %d close calls, want 1", i, len(calls))
		}
	}
	if len(m.Connections()) != 0 {
		t.Error("Connections() should be empty after CloseAll")
	}
}

func TestEventOrdering_PerConnection(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestMux(d)
	win := newFakeWindow("win-a")
	id := mustOpen(t, m, win, "ws://localhost/kernel", "")

	h := d.socket(0).handler
	h.OnMessage([]byte("first"), false)
	h.OnMessage([]byte("second"), false)
	h.OnClose(1000, "done", true)

	events := win.wsEvents()
	want := []string{protocol.WSEventOpen, protocol.WSEventMessage, protocol.WSEventMessage, protocol.WSEventClose}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, want[i])
		}
		if ev.ID != id {
			t.Errorf("event %d id = %q, want %q", i, ev.ID, id)
		}
	}
	if *events[1].Data.Text != "first" || *events[2].Data.Text != "second" {
		t.Error("message order not preserved")
	}
}
