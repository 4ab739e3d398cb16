package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jovyan/nbgate/internal/protocol"
	"github.com/jovyan/nbgate/internal/proxy"
	"github.com/jovyan/nbgate/internal/store"
)

// Test fakes shared by the daemon tests. The daemon is wired exactly
// like production except the network edges (dialer, control plane,
// kernel gateway) are replaced.

type fakeSocket struct {
	mu      sync.Mutex
	texts   []string
	binary  [][]byte
	closed  bool
	handler proxy.Handler
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
	s.binary = append(s.binary, append([]byte{}, data...))
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context, urlStr, subprotocol string, headers http.Header, h proxy.Handler) (proxy.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
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

type fakeControlPlane struct {
	mu      sync.Mutex
	created int
	deletes []string
}

func (f *fakeControlPlane) CreateRuntime(ctx context.Context, environment, name string, minutes int) (*protocol.Runtime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	uid := fmt.Sprintf("rt-%d", f.created)
	return &protocol.Runtime{
		UID:       uid,
		PodName:   "pod-" + uid,
		Ingress:   "https://rt.example/" + uid,
		ExpiredAt: protocol.NewTimestamp(time.Now().Add(time.Duration(minutes) * time.Minute)),
		Status:    "running",
	}, nil
}

func (f *fakeControlPlane) DeleteRuntime(ctx context.Context, podName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, podName)
	return nil
}

func (f *fakeControlPlane) ListEnvironments(ctx context.Context) ([]protocol.Environment, error) {
	return []protocol.Environment{{Name: "python-cpu", Title: "Python CPU"}}, nil
}

func (f *fakeControlPlane) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

type fakeGateway struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeGateway) ShutdownAll(ctx context.Context, ingress, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

// testDaemon bundles the daemon with its fakes.
type testDaemon struct {
	d       *Daemon
	dialer  *fakeDialer
	cp      *fakeControlPlane
	gateway *fakeGateway
}

// NewForTesting creates a daemon with an in-memory store, fake network
// edges and no logging. The HTTP port 0 asks the OS for a free port.
func newTestDaemon(socketPath string) *testDaemon {
	dialer := &fakeDialer{}
	cp := &fakeControlPlane{}
	gateway := &fakeGateway{}
	d := newDaemon(socketPath, "0", store.New(), dialer, cp, gateway, nil)
	return &testDaemon{d: d, dialer: dialer, cp: cp, gateway: gateway}
}
