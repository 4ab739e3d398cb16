package daemon

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jovyan/nbgate/internal/protocol"
)

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "nbgate.sock")
	td := newTestDaemon(socketPath)

	go td.d.Start()
	t.Cleanup(td.d.Stop)

	// Wait for the unix socket to come up.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			return td
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon never started listening")
	return nil
}

func sendCommand(t *testing.T, socketPath string, msg interface{}) protocol.Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSocket_QueryRuntimesEmpty(t *testing.T) {
	td := startTestDaemon(t)

	resp := sendCommand(t, td.d.socketPath, protocol.QueryRuntimesMessage{Cmd: protocol.CmdQueryRuntimes})
	if !resp.OK {
		t.Fatalf("response not OK: %s", resp.Error)
	}
	if len(resp.Runtimes) != 0 {
		t.Errorf("runtimes = %+v, want none", resp.Runtimes)
	}
}

func TestSocket_CreateQueryTerminate(t *testing.T) {
	td := startTestDaemon(t)

	created := sendCommand(t, td.d.socketPath, protocol.CreateRuntimeMessage{
		Cmd:         protocol.CmdCreateRuntime,
		Owner:       "doc-a",
		Environment: "python-cpu",
		Name:        "nb",
		Minutes:     10,
	})
	if !created.OK || created.Runtime == nil {
		t.Fatalf("create failed: %+v", created)
	}

	listed := sendCommand(t, td.d.socketPath, protocol.QueryRuntimesMessage{Cmd: protocol.CmdQueryRuntimes})
	if len(listed.Runtimes) != 1 || listed.Runtimes[0].UID != created.Runtime.UID {
		t.Fatalf("runtimes = %+v", listed.Runtimes)
	}

	term := sendCommand(t, td.d.socketPath, protocol.TerminateRuntimeMessage{
		Cmd: protocol.CmdTerminateRuntime,
		UID: created.Runtime.UID,
	})
	if !term.OK {
		t.Fatalf("terminate failed: %s", term.Error)
	}

	after := sendCommand(t, td.d.socketPath, protocol.QueryRuntimesMessage{Cmd: protocol.CmdQueryRuntimes})
	if len(after.Runtimes) != 0 {
		t.Errorf("runtimes after terminate = %+v", after.Runtimes)
	}
	if td.cp.deleteCount() != 1 {
		t.Errorf("control plane deletes = %d, want 1", td.cp.deleteCount())
	}
}

func TestSocket_TerminateAll(t *testing.T) {
	td := startTestDaemon(t)

	for _, owner := range []string{"doc-a", "doc-b"} {
		resp := sendCommand(t, td.d.socketPath, protocol.CreateRuntimeMessage{
			Cmd: protocol.CmdCreateRuntime, Owner: owner, Environment: "python-cpu", Minutes: 10,
		})
		if !resp.OK {
			t.Fatalf("create for %s failed: %s", owner, resp.Error)
		}
	}

	resp := sendCommand(t, td.d.socketPath, protocol.TerminateAllMessage{Cmd: protocol.CmdTerminateAll})
	if !resp.OK {
		t.Fatalf("terminate_all failed: %s", resp.Error)
	}
	if td.cp.deleteCount() != 2 {
		t.Errorf("control plane deletes = %d, want 2", td.cp.deleteCount())
	}
}

func TestSocket_QueryEnvironments(t *testing.T) {
	td := startTestDaemon(t)

	resp := sendCommand(t, td.d.socketPath, protocol.QueryEnvironmentsMessage{Cmd: protocol.CmdQueryEnvironments})
	if !resp.OK {
		t.Fatalf("response not OK: %s", resp.Error)
	}
	if len(resp.Environments) != 1 || resp.Environments[0].Name != "python-cpu" {
		t.Errorf("environments = %+v", resp.Environments)
	}
}

func TestSocket_WindowOnlyCommandRejected(t *testing.T) {
	td := startTestDaemon(t)

	resp := sendCommand(t, td.d.socketPath, protocol.WSSendMessage{
		Cmd: protocol.CmdWSSend, ID: "ws-1", Data: protocol.TextData("hi"),
	})
	if resp.OK {
		t.Error("ws_send over the unix socket should be rejected")
	}
}

func TestSocket_MalformedRequest(t *testing.T) {
	td := startTestDaemon(t)

	conn, err := net.Dial("unix", td.d.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("not json"))

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK {
		t.Error("malformed request should not be OK")
	}
}
