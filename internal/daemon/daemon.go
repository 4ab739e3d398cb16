// Package daemon is the long-running process windows and the CLI talk
// to. It owns the WebSocket multiplexer, the collaboration adapters,
// the runtime orchestrator and the terminated-runtime registry, and
// exposes them over a local WebSocket endpoint (windows) and a unix
// socket (CLI).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jovyan/nbgate/internal/cleanup"
	"github.com/jovyan/nbgate/internal/collab"
	"github.com/jovyan/nbgate/internal/config"
	"github.com/jovyan/nbgate/internal/controlplane"
	"github.com/jovyan/nbgate/internal/kernels"
	"github.com/jovyan/nbgate/internal/logging"
	"github.com/jovyan/nbgate/internal/protocol"
	"github.com/jovyan/nbgate/internal/proxy"
	"github.com/jovyan/nbgate/internal/runtimes"
	"github.com/jovyan/nbgate/internal/store"
)

// Daemon wires the components together and serves both transports.
type Daemon struct {
	socketPath string
	store      *store.Store
	registry   *cleanup.Registry
	mux        *proxy.Multiplexer
	collab     *collab.Manager
	orch       *runtimes.Orchestrator
	wsHub      *wsHub
	listener   net.Listener
	httpServer *http.Server
	wsPort     string
	done       chan struct{}
	logger     *logging.Logger
}

// New creates a daemon with the production wiring: a SQLite-backed
// store (falling back to in-memory), the real WebSocket dialer and the
// real control plane client.
func New(socketPath string) *Daemon {
	logger, _ := logging.New(logging.DefaultLogPath())

	runtimeStore, err := store.NewWithDB(config.DBPath())
	if err != nil {
		if logger != nil {
			logger.Infof("failed to open DB at %s: %v (using in-memory)", config.DBPath(), err)
		}
		runtimeStore = store.New()
	}

	cp := controlplane.New(config.ControlPlaneURL(), config.ControlPlaneToken())
	gateway := kernels.New()
	dialer := &proxy.WebSocketDialer{}

	return newDaemon(socketPath, config.WSPort(), runtimeStore, dialer, cp, gateway, logger)
}

func newDaemon(socketPath, wsPort string, st *store.Store, dialer proxy.Dialer, cp runtimes.ControlPlane, gateway runtimes.KernelGateway, logger *logging.Logger) *Daemon {
	d := &Daemon{
		socketPath: socketPath,
		store:      st,
		registry:   cleanup.NewRegistry(),
		wsHub:      newWSHub(),
		wsPort:     wsPort,
		done:       make(chan struct{}),
		logger:     logger,
	}
	if logger != nil {
		d.wsHub.logf = logger.Component("hub").Infof
	}

	d.mux = proxy.NewMultiplexer(dialer, d.registry, logger.Component("proxy"))
	d.collab = collab.NewManager(dialer, d.registry, logger.Component("collab"))
	d.orch = runtimes.New(cp, gateway, d.mux, st, d.registry, (*hubNotifier)(d), logger.Component("runtimes"))

	// Termination broadcasts tear down the runtime's collaboration
	// adapters before its proxied connections are dropped.
	d.orch.OnTeardown(func(uid string) {
		n := d.collab.DisposeForRuntime(uid)
		if n > 0 {
			d.logf("disposed %d collab adapter(s) for runtime %s", n, uid)
		}
	})
	return d
}

// hubNotifier adapts the hub's broadcast to the orchestrator's
// notification interface.
type hubNotifier Daemon

func (n *hubNotifier) RuntimesUpdated(list []protocol.Runtime) {
	n.wsHub.Broadcast(&protocol.Event{
		Event:    protocol.EventRuntimesUpdated,
		Runtimes: list,
	})
}

func (n *hubNotifier) RuntimeGone(uid, reason string) {
	n.wsHub.Broadcast(&protocol.Event{
		Event:      protocol.EventRuntimeGone,
		RuntimeUID: uid,
		GoneReason: reason,
	})
}

// Start serves until Stop is called.
func (d *Daemon) Start() error {
	// Remove stale socket
	os.Remove(d.socketPath)

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	d.log("daemon started")

	go d.wsHub.run()
	go d.startHTTPServer()

	d.orch.ResumeTracking()

	for {
		select {
		case <-d.done:
			return nil
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.done:
				return nil
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		go d.handleConnection(conn)
	}
}

// Stop shuts the daemon down. Tracked runtimes keep running; they are
// picked up again on the next start.
func (d *Daemon) Stop() {
	d.log("daemon stopping")
	close(d.done)
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.httpServer.Shutdown(ctx)
	}
	if d.listener != nil {
		d.listener.Close()
	}
	d.mux.CloseAll()
	d.collab.DisposeAll()
	d.orch.Close()
	d.store.Close()
	os.Remove(d.socketPath)
	if d.logger != nil {
		d.logger.Close()
	}
}

func (d *Daemon) startHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWS)

	d.httpServer = &http.Server{
		Addr:    "127.0.0.1:" + d.wsPort,
		Handler: mux,
	}

	d.logf("window endpoint starting on ws://127.0.0.1:%s/ws", d.wsPort)
	if err := d.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		d.logf("HTTP server error: %v", err)
	}
}

func (d *Daemon) log(msg string) {
	if d.logger != nil {
		d.logger.Info(msg)
	}
}

func (d *Daemon) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Infof(format, args...)
	}
}

// handleConnection serves one CLI request on the unix socket.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	cmd, msg, err := protocol.ParseMessage(buf[:n])
	if err != nil {
		d.sendError(conn, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch cmd {
	case protocol.CmdQueryRuntimes:
		json.NewEncoder(conn).Encode(protocol.Response{
			OK:       true,
			Runtimes: d.orch.Runtimes(),
		})

	case protocol.CmdQueryConnections:
		json.NewEncoder(conn).Encode(protocol.Response{
			OK:          true,
			Connections: d.mux.Connections(),
		})

	case protocol.CmdQueryEnvironments:
		envs, err := d.orch.Environments(ctx)
		if err != nil {
			d.sendError(conn, err.Error())
			return
		}
		json.NewEncoder(conn).Encode(protocol.Response{
			OK:           true,
			Environments: envs,
		})

	case protocol.CmdCreateRuntime:
		m := msg.(*protocol.CreateRuntimeMessage)
		rt, err := d.orch.Create(ctx, m.Owner, m.Environment, m.Name, m.Minutes)
		if err != nil {
			d.sendError(conn, err.Error())
			return
		}
		json.NewEncoder(conn).Encode(protocol.Response{OK: true, Runtime: rt})

	case protocol.CmdTerminateRuntime:
		m := msg.(*protocol.TerminateRuntimeMessage)
		if err := d.orch.Terminate(ctx, m.UID); err != nil {
			d.sendError(conn, err.Error())
			return
		}
		d.sendOK(conn)

	case protocol.CmdTerminateAll:
		if err := d.orch.TerminateAll(ctx); err != nil {
			d.sendError(conn, err.Error())
			return
		}
		d.sendOK(conn)

	default:
		d.sendError(conn, fmt.Sprintf("command %s requires a window connection", cmd))
	}
}

func (d *Daemon) sendOK(conn net.Conn) {
	json.NewEncoder(conn).Encode(protocol.Response{OK: true})
}

func (d *Daemon) sendError(conn net.Conn, errMsg string) {
	json.NewEncoder(conn).Encode(protocol.Response{OK: false, Error: errMsg})
}

// handleClientMessage dispatches one window command. Commands that can
// block (dialing, control plane calls) run async so one window's slow
// command never stalls its other traffic; the seq in the result event
// lets the window correlate.
func (d *Daemon) handleClientMessage(client *wsClient, data []byte) {
	cmd, msg, err := protocol.ParseMessage(data)
	if err != nil {
		d.logf("window %s parse error: %v", client.id, err)
		return
	}

	switch cmd {
	case protocol.CmdWSOpen:
		m := msg.(*protocol.WSOpenMessage)
		go func() {
			res, err := d.mux.Open(context.Background(), client, m.URL, m.Protocol, m.Headers, m.RuntimeUID)
			ev := &protocol.Event{Event: protocol.EventResult, Seq: m.Seq}
			switch {
			case err != nil:
				ev.OK = protocol.Ptr(false)
				ev.Error = protocol.Ptr(err.Error())
			case res.Blocked:
				ev.OK = protocol.Ptr(false)
				ev.Blocked = protocol.Ptr(true)
				ev.Reason = res.Reason
			default:
				ev.OK = protocol.Ptr(true)
				ev.ConnID = res.ID
			}
			client.Deliver(ev)
		}()

	case protocol.CmdWSSend:
		m := msg.(*protocol.WSSendMessage)
		d.mux.Send(m.ID, m.Data)

	case protocol.CmdWSClose:
		m := msg.(*protocol.WSCloseMessage)
		d.mux.Close(m.ID, m.Code, m.Reason)

	case protocol.CmdWSCloseRuntime:
		m := msg.(*protocol.WSCloseRuntimeMessage)
		n := d.mux.CloseConnectionsForRuntime(m.RuntimeUID)
		d.logf("window %s closed %d connection(s) for runtime %s", client.id, n, m.RuntimeUID)

	case protocol.CmdRuntimeTerminated:
		m := msg.(*protocol.RuntimeTerminatedMessage)
		d.orch.MarkExternallyTerminated(m.RuntimeUID)
		d.sendResult(client, m.Seq, nil)

	case protocol.CmdCollabConnect:
		m := msg.(*protocol.CollabConnectMessage)
		go func() {
			status, err := d.collab.Connect(m.AdapterID, m.WebsocketURL, m.Token, m.RuntimeUID, client)
			ev := &protocol.Event{Event: protocol.EventResult, Seq: m.Seq}
			if err != nil {
				ev.OK = protocol.Ptr(false)
				ev.Error = protocol.Ptr(err.Error())
			} else {
				ev.OK = protocol.Ptr(true)
				ev.Status = status
			}
			client.Deliver(ev)
		}()

	case protocol.CmdCollabDisconnect:
		m := msg.(*protocol.CollabDisconnectMessage)
		d.collab.Disconnect(m.AdapterID)
		d.sendResult(client, m.Seq, nil)

	case protocol.CmdCollabSend:
		m := msg.(*protocol.CollabSendMessage)
		if err := d.collab.Send(m.AdapterID, m.Data); err != nil {
			d.logf("collab send from window %s: %v", client.id, err)
		}

	case protocol.CmdCreateRuntime:
		m := msg.(*protocol.CreateRuntimeMessage)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			rt, err := d.orch.Create(ctx, m.Owner, m.Environment, m.Name, m.Minutes)
			ev := &protocol.Event{Event: protocol.EventResult, Seq: m.Seq}
			if err != nil {
				ev.OK = protocol.Ptr(false)
				ev.Error = protocol.Ptr(err.Error())
			} else {
				ev.OK = protocol.Ptr(true)
				ev.Runtime = rt
			}
			client.Deliver(ev)
		}()

	case protocol.CmdTerminateRuntime:
		m := msg.(*protocol.TerminateRuntimeMessage)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			d.sendResult(client, m.Seq, d.orch.Terminate(ctx, m.UID))
		}()

	case protocol.CmdTerminateAll:
		m := msg.(*protocol.TerminateAllMessage)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
			defer cancel()
			d.sendResult(client, m.Seq, d.orch.TerminateAll(ctx))
		}()

	case protocol.CmdQueryRuntimes:
		m := msg.(*protocol.QueryRuntimesMessage)
		client.Deliver(&protocol.Event{
			Event:    protocol.EventResult,
			Seq:      m.Seq,
			OK:       protocol.Ptr(true),
			Runtimes: d.orch.Runtimes(),
		})

	case protocol.CmdQueryConnections:
		m := msg.(*protocol.QueryConnectionsMessage)
		client.Deliver(&protocol.Event{
			Event:       protocol.EventResult,
			Seq:         m.Seq,
			OK:          protocol.Ptr(true),
			Connections: d.mux.Connections(),
		})

	case protocol.CmdQueryEnvironments:
		m := msg.(*protocol.QueryEnvironmentsMessage)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			envs, err := d.orch.Environments(ctx)
			ev := &protocol.Event{Event: protocol.EventResult, Seq: m.Seq}
			if err != nil {
				ev.OK = protocol.Ptr(false)
				ev.Error = protocol.Ptr(err.Error())
			} else {
				ev.OK = protocol.Ptr(true)
				ev.Environments = envs
			}
			client.Deliver(ev)
		}()

	default:
		d.logf("window %s sent unknown command %s", client.id, cmd)
	}
}

func (d *Daemon) sendResult(client *wsClient, seq int64, err error) {
	ev := &protocol.Event{Event: protocol.EventResult, Seq: seq}
	if err != nil {
		ev.OK = protocol.Ptr(false)
		ev.Error = protocol.Ptr(err.Error())
	} else {
		ev.OK = protocol.Ptr(true)
	}
	client.Deliver(ev)
}
