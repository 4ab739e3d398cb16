package client

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/jovyan/nbgate/internal/protocol"
)

// mockServer answers one connection on a temp socket.
func mockServer(t *testing.T, handle func(cmd string, msg interface{}) protocol.Response) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)

		cmd, msg, err := protocol.ParseMessage(buf[:n])
		if err != nil {
			json.NewEncoder(conn).Encode(protocol.Response{OK: false, Error: err.Error()})
			return
		}
		json.NewEncoder(conn).Encode(handle(cmd, msg))
	}()

	return sockPath
}

func TestClient_QueryRuntimes(t *testing.T) {
	sockPath := mockServer(t, func(cmd string, msg interface{}) protocol.Response {
		if cmd != protocol.CmdQueryRuntimes {
			return protocol.Response{OK: false, Error: "wrong command: " + cmd}
		}
		return protocol.Response{
			OK: true,
			Runtimes: []protocol.Runtime{
				{UID: "rt-1", PodName: "pod-1", Status: "running"},
				{UID: "rt-2", PodName: "pod-2", Status: "running"},
			},
		}
	})

	c := New(sockPath)
	runtimes, err := c.QueryRuntimes()
	if err != nil {
		t.Fatalf("QueryRuntimes error: %v", err)
	}
	if len(runtimes) != 2 || runtimes[0].UID != "rt-1" {
		t.Errorf("runtimes = %+v", runtimes)
	}
}

func TestClient_CreateRuntime(t *testing.T) {
	sockPath := mockServer(t, func(cmd string, msg interface{}) protocol.Response {
		if cmd != protocol.CmdCreateRuntime {
			return protocol.Response{OK: false, Error: "wrong command: " + cmd}
		}
		m := msg.(*protocol.CreateRuntimeMessage)
		if m.Owner != "doc-a" || m.Environment != "python-cpu" || m.Minutes != 10 {
			return protocol.Response{OK: false, Error: "bad request"}
		}
		return protocol.Response{OK: true, Runtime: &protocol.Runtime{UID: "rt-1", Owner: "doc-a"}}
	})

	c := New(sockPath)
	rt, err := c.CreateRuntime("doc-a", "python-cpu", "nb", 10)
	if err != nil {
		t.Fatalf("CreateRuntime error: %v", err)
	}
	if rt.UID != "rt-1" {
		t.Errorf("runtime = %+v", rt)
	}
}

func TestClient_TerminateRuntime(t *testing.T) {
	sockPath := mockServer(t, func(cmd string, msg interface{}) protocol.Response {
		if cmd != protocol.CmdTerminateRuntime {
			return protocol.Response{OK: false, Error: "wrong command: " + cmd}
		}
		if msg.(*protocol.TerminateRuntimeMessage).UID != "rt-1" {
			return protocol.Response{OK: false, Error: "wrong uid"}
		}
		return protocol.Response{OK: true}
	})

	c := New(sockPath)
	if err := c.TerminateRuntime("rt-1"); err != nil {
		t.Fatalf("TerminateRuntime error: %v", err)
	}
}

func TestClient_TerminateAll(t *testing.T) {
	sockPath := mockServer(t, func(cmd string, msg interface{}) protocol.Response {
		if cmd != protocol.CmdTerminateAll {
			return protocol.Response{OK: false, Error: "wrong command: " + cmd}
		}
		return protocol.Response{OK: true}
	})

	c := New(sockPath)
	if err := c.TerminateAll(); err != nil {
		t.Fatalf("TerminateAll error: %v", err)
	}
}

func TestClient_DaemonError(t *testing.T) {
	sockPath := mockServer(t, func(cmd string, msg interface{}) protocol.Response {
		return protocol.Response{OK: false, Error: "control plane down"}
	})

	c := New(sockPath)
	if _, err := c.QueryRuntimes(); err == nil {
		t.Error("daemon error should propagate")
	}
}

func TestClient_NotRunning(t *testing.T) {
	c := New("/nonexistent/socket.sock")
	if _, err := c.QueryRuntimes(); err == nil {
		t.Error("expected error when daemon not running")
	}
	if c.IsRunning() {
		t.Error("IsRunning should be false")
	}
}
